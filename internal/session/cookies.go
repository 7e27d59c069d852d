package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// CookieStore persists the session cookies of one site as a flat JSON
// name/value map, mirroring the legacy cookies.json layout.
type CookieStore struct {
	path    string
	siteURL *url.URL
}

// NewCookieStore builds a store bound to the panel's base URL.
func NewCookieStore(path, siteURL string) (*CookieStore, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}
	return &CookieStore{path: path, siteURL: u}, nil
}

// Load reads persisted cookies; a missing file yields an empty set.
func (s *CookieStore) Load() ([]*http.Cookie, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cookies file: %w", err)
	}

	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode cookies file: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(values))
	for name, value := range values {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	return cookies, nil
}

// Save snapshots the jar's cookies for the site.
func (s *CookieStore) Save(jar http.CookieJar) error {
	if jar == nil {
		return nil
	}

	values := make(map[string]string)
	for _, cookie := range jar.Cookies(s.siteURL) {
		values[cookie.Name] = cookie.Value
	}

	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write cookies file: %w", err)
	}
	return nil
}

// Clear removes the persisted cookie file.
func (s *CookieStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cookies file: %w", err)
	}
	return nil
}

// Apply loads persisted cookies into the jar. Returns whether any were set.
func (s *CookieStore) Apply(jar http.CookieJar) (bool, error) {
	cookies, err := s.Load()
	if err != nil {
		return false, err
	}
	if len(cookies) == 0 {
		return false, nil
	}
	jar.SetCookies(s.siteURL, cookies)
	return true, nil
}
