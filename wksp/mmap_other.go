//go:build !unix

package wksp

import "errors"

var errNoMmap = errors.New("wksp: file-backed workspaces need a unix platform")

func Create(path string, size int) (*Wksp, error) { return nil, errNoMmap }

func Join(path string) (*Wksp, error) { return nil, errNoMmap }
