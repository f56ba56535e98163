// Package auth supplies bearer tokens for backend requests and reacts to a
// rejected session.
package auth

import (
	"os"
	"strings"
	"sync"
)

// Credentials is consulted on every outbound request.
type Credentials interface {
	// Token returns the bearer token, or "" when there is none.
	Token() string
	// OnUnauthorized is invoked when the backend answers 401.
	OnUnauthorized()
}

// Static holds a token in memory. OnUnauthorized drops it and fires the
// optional hook.
type Static struct {
	mu       sync.Mutex
	token    string
	onReject func()
}

func NewStatic(token string, onReject func()) *Static {
	return &Static{token: token, onReject: onReject}
}

func (s *Static) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Static) OnUnauthorized() {
	s.mu.Lock()
	s.token = ""
	hook := s.onReject
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// File reads the token from disk on every call so an external login flow can
// refresh it. OnUnauthorized deletes the file.
type File struct {
	path     string
	onReject func()
}

func NewFile(path string, onReject func()) *File {
	return &File{path: path, onReject: onReject}
}

func (f *File) Token() string {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (f *File) OnUnauthorized() {
	_ = os.Remove(f.path)
	if f.onReject != nil {
		f.onReject()
	}
}

// None sends no token.
type None struct{}

func (None) Token() string   { return "" }
func (None) OnUnauthorized() {}
