package utils

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// ArchiveCredentials authenticate downloads against a remote product archive
type ArchiveCredentials struct {
	Token    string
	Username string
	Password string
}

func (c ArchiveCredentials) Empty() bool {
	return c.Token == "" && c.Username == ""
}

// LoadArchiveCredentials reads ARCHIVE_TOKEN or ARCHIVE_USERNAME/ARCHIVE_PASSWORD from envFile,
// falling back to the process environment. An empty envFile only consults the environment.
func LoadArchiveCredentials(envFile string) (ArchiveCredentials, error) {
	values := map[string]string{}
	if envFile != "" {
		parsed, err := godotenv.Read(envFile)
		if err != nil {
			return ArchiveCredentials{}, fmt.Errorf("failed to read archive env file %s: %w", envFile, err)
		}
		values = parsed
	}

	lookup := func(key string) string {
		if v, ok := values[key]; ok && v != "" {
			return v
		}
		return os.Getenv(key)
	}

	return ArchiveCredentials{
		Token:    lookup("ARCHIVE_TOKEN"),
		Username: lookup("ARCHIVE_USERNAME"),
		Password: lookup("ARCHIVE_PASSWORD"),
	}, nil
}
