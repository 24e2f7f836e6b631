package validation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"themesync/internal/errors"
	"themesync/shared/types"
	"themesync/shared/utils"
)

type Validator interface {
	Validate() error
}

// Decode reads a JSON request body into v, then runs v's own checks when
// it is a Validator
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.ValidationError("invalid request body", err.Error())
	}
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}

// FileName accepts relative slash-separated paths that stay inside the
// category root
func FileName(name string) error {
	clean := path.Clean(name)
	if name == "" || clean != name || clean == "." || path.IsAbs(clean) ||
		clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(name, "\\") {
		return errors.ValidationError(fmt.Sprintf("invalid file name %q", name), nil)
	}
	return nil
}

func Checksum(h shared.Hash) error {
	if !utils.IsValidHash(h) {
		return errors.ValidationError("checksum must be a sha256 hex digest", nil)
	}
	return nil
}

func Size(size, max int64) error {
	if size < 0 || size > max {
		return errors.ValidationError(fmt.Sprintf("size must be between 0 and %d bytes", max), nil)
	}
	return nil
}
