// Package validator holds destination URL checks and the shared struct
// validator used for configuration and cached link payloads.
package validator

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	playground "github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	instance *playground.Validate
)

// Struct returns the process-wide struct validator. It registers the
// "httpurl" tag, which accepts absolute http(s) URLs only. It panics if the
// tag cannot be registered.
func Struct() *playground.Validate {
	once.Do(func() {
		v, err := newStruct("httpurl")
		if err != nil {
			panic(err)
		}
		instance = v
	})
	return instance
}

// newStruct builds a validator with the URL check registered under urlTag.
func newStruct(urlTag string) (*playground.Validate, error) {
	v := playground.New(playground.WithRequiredStructEnabled())
	if err := v.RegisterValidation(urlTag, func(fl playground.FieldLevel) bool {
		return ValidateURL(fl.Field().String()) == nil
	}); err != nil {
		return nil, fmt.Errorf("register %q: %w", urlTag, err)
	}
	return v, nil
}

// ValidateURL checks that urlStr is an absolute http or https URL.
func ValidateURL(urlStr string) error {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return ErrEmptyURL
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return ErrInvalidURL
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return ErrInvalidScheme
	}

	if parsedURL.Host == "" {
		return ErrInvalidHost
	}

	return nil
}

// Hostname returns the lower-cased host of rawURL without "www.", or "" when
// rawURL does not parse.
func Hostname(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
