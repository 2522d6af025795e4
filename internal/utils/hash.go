package utils

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// HashFile calculates the BLAKE3 hash of a file as a hex string
func HashFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashString calculates the BLAKE3 hash of a string
func HashString(data string) string {
	hasher := blake3.New()
	hasher.Write([]byte(data))
	return hex.EncodeToString(hasher.Sum(nil))
}

// ProductFingerprint derives a stable product key from the source catalogue id.
// The URL only participates when the catalogue id is unknown.
func ProductFingerprint(catalogueID, url string) string {
	key := strings.TrimSpace(catalogueID)
	if key == "" {
		key = "url:" + strings.TrimSpace(url)
	}
	return HashString(key)[:32]
}
