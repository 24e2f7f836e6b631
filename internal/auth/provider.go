package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Provider exposes the current session token. An empty token means no
// session; it is not an error.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, typically from config or the environment
type Static string

func (s Static) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// FileProvider keeps the token in a file written by the login command and
// falls back to a configured token when the file is absent.
type FileProvider struct {
	fs       afero.Fs
	path     string
	fallback string
}

func NewFileProvider(fs afero.Fs, path, fallback string) *FileProvider {
	return &FileProvider{fs: fs, path: path, fallback: strings.TrimSpace(fallback)}
}

func (p *FileProvider) Token(context.Context) (string, error) {
	data, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return p.fallback, nil
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}
	if token := strings.TrimSpace(string(data)); token != "" {
		return token, nil
	}
	return p.fallback, nil
}

func (p *FileProvider) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty token")
	}
	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	return afero.WriteFile(p.fs, p.path, []byte(token+"\n"), 0o600)
}

func (p *FileProvider) Clear() error {
	if err := p.fs.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}
