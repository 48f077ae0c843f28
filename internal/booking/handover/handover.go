package handover

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/skip2/go-qrcode"

	"ms-booking/internal/models"
)

// Pass is the payload embedded in the handover QR code. The owner scans it
// at pickup to prove the renter holds a confirmed booking.
type Pass struct {
	BookingID     string    `json:"booking_id"`
	ReferenceCode string    `json:"reference_code"`
	RenterID      string    `json:"renter_id"`
	ItemID        string    `json:"item_id"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	IssuedAt      time.Time `json:"issued_at"`
}

type Generator struct {
	secret []byte
}

func NewGenerator(secret string) *Generator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &Generator{secret: hashed[:]}
}

// GenerateEncryptedQR renders the pass for a confirmed booking as a QR PNG.
// The payload is AES-encrypted so a screenshot reveals nothing about the
// parties or the item.
func (g *Generator) GenerateEncryptedQR(b *models.Booking) ([]byte, error) {
	pass := Pass{
		BookingID:     b.BookingID,
		ReferenceCode: b.ReferenceCode,
		RenterID:      b.RenterID,
		ItemID:        b.ItemID,
		StartDate:     b.StartDate,
		EndDate:       b.EndDate,
		IssuedAt:      time.Now().UTC(),
	}

	encrypted, err := g.Encrypt(pass)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// Encrypt seals a pass into the string embedded in the QR code.
func (g *Generator) Encrypt(pass Pass) (string, error) {
	data, err := json.Marshal(pass)
	if err != nil {
		return "", err
	}
	return encryptAES(data, g.secret)
}

// Decode verifies and decrypts a scanned pass payload.
func (g *Generator) Decode(encoded string) (*Pass, error) {
	data, err := decryptAES(encoded, g.secret)
	if err != nil {
		return nil, err
	}
	var pass Pass
	if err := json.Unmarshal(data, &pass); err != nil {
		return nil, errors.New("handover pass payload is malformed")
	}
	return &pass, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func decryptAES(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, errors.New("handover pass payload too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	data := make([]byte, len(ciphertext)-aes.BlockSize)
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, ciphertext[aes.BlockSize:])

	return data, nil
}
