package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// File returns the hex encoded xxhash64 digest of the file content.
func File(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	sum, err := Reader(file)
	if err != nil {
		return "", fmt.Errorf("failed to hash file %s: %w", filePath, err)
	}
	return sum, nil
}

func Reader(r io.Reader) (string, error) {
	hasher := xxhash.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to copy content to hasher: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Line hashes a single row of text, used to tag log lines of rejected rows.
func Line(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}
