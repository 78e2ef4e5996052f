package media

import (
	"github.com/blacktop/camroll/pkg/usb/afc"
)

type afcFS struct {
	c *afc.Client
}

// NewAFC exposes an AFC connection as an FS. Closing the FS closes the connection.
func NewAFC(c *afc.Client) FS {
	return &afcFS{c: c}
}

func (a *afcFS) ReadDir(dir string) ([]string, error) {
	return a.c.ReadDir(dir)
}

func (a *afcFS) Stat(name string) (*FileInfo, error) {
	fi, err := a.c.Stat(name)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Size:     fi.Size(),
		Created:  fi.BirthTime(),
		Modified: fi.ModTime(),
		Dir:      fi.IsDir(),
	}, nil
}

func (a *afcFS) Open(name string) (File, error) {
	f, err := a.c.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (a *afcFS) Close() error {
	return a.c.Close()
}
