package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GenerateReferenceCode creates the human-readable booking reference shown
// to renters and owners (e.g. BK-1724932800-483920).
func GenerateReferenceCode() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("BK-%d-%06d", timestamp, randomNum.Int64())
}

// GenerateRunID identifies one scheduler run in logs and the audit trail.
func GenerateRunID() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("run_%d_%06d", timestamp, randomNum.Int64())
}
