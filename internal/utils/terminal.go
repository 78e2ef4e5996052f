package utils

import (
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// CanDisplayInline reports whether name is an image format terminals can draw.
func CanDisplayInline(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return true
	}
	return false
}

// DisplayImageInTerminal writes an inline image escape sequence (supported in iTerm2 and VSCode)
func DisplayImageInTerminal(w io.Writer, name string, data []byte, width int) {
	fmt.Fprint(w, "\033]1337;")
	fmt.Fprint(w, "File=inline=1")
	fmt.Fprintf(w, ";name=%s", base64.StdEncoding.EncodeToString([]byte(name)))
	fmt.Fprintf(w, ";size=%d", len(data))
	fmt.Fprintf(w, ";width=%dpx", width)
	fmt.Fprint(w, ";preserveAspectRatio=1")
	fmt.Fprint(w, ":")
	fmt.Fprint(w, base64.StdEncoding.EncodeToString(data))
	fmt.Fprint(w, "\a\n")
}
