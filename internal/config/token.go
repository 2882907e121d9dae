package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/overture-stack/score-int/internal/logging"
)

// Token sources, reported by ResolveToken for --verbose output.
const (
	TokenSourceFlag   = "flag"
	TokenSourceConfig = "config"
	TokenSourceFile   = "token-file"
)

// ResolveToken returns the access token and where it came from.
//
// Priority (highest to lowest):
//  1. explicit value (--token flag)
//  2. access.token from SCORE_ACCESS_TOKEN or the config file
//  3. the token file (access.token-file, default ~/.config/score/token)
//
// Returns empty strings when no source has a token.
func ResolveToken(flagValue, configValue, tokenFile string, logger *logging.Logger) (token, source string) {
	if t := strings.TrimSpace(flagValue); t != "" {
		return t, TokenSourceFlag
	}
	if t := strings.TrimSpace(configValue); t != "" {
		return t, TokenSourceConfig
	}
	if tokenFile == "" {
		tokenFile = DefaultTokenPath()
	}
	if tokenFile != "" {
		if t, err := ReadTokenFile(tokenFile, logger); err == nil {
			return t, TokenSourceFile
		}
	}
	return "", ""
}

// ReadTokenFile reads an access token from a file. The file holds only the
// token; surrounding whitespace is trimmed. A warning is logged when the file
// is readable by group or others.
func ReadTokenFile(path string, logger *logging.Logger) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat token file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		logging.OrNop(logger).Warn().
			Str("path", path).
			Str("mode", fmt.Sprintf("%04o", mode)).
			Msg("Token file has insecure permissions, consider chmod 600")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file is empty")
	}
	return token, nil
}

// WriteTokenFile writes an access token with owner-only permissions.
func WriteTokenFile(path, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("cannot write empty token")
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}
