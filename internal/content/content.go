// Package content resolves item fingerprints into human readable metadata.
package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"reclaim/internal/domain"
)

const sep = "::"

// ErrUndecodable is returned when a fingerprint carries no readable metadata.
var ErrUndecodable = errors.New("fingerprint not decodable")

// Store resolves an opaque fingerprint.
type Store interface {
	Resolve(ctx context.Context, fingerprint string) (domain.Metadata, error)
}

// Encode builds an inline fingerprint: base64 of name::description::location.
func Encode(name, description, location string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}
	for _, part := range []string{name, description, location} {
		if strings.Contains(part, sep) {
			return "", fmt.Errorf("%w: %q may not appear in item metadata", domain.ErrInvalidInput, sep)
		}
	}
	raw := strings.Join([]string{name, strings.TrimSpace(description), strings.TrimSpace(location)}, sep)
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// Inline decodes fingerprints produced by Encode. Nothing leaves the process.
type Inline struct{}

func (Inline) Resolve(_ context.Context, fingerprint string) (domain.Metadata, error) {
	raw, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	parts := strings.Split(string(raw), sep)
	if len(parts) < 1 || strings.TrimSpace(parts[0]) == "" {
		return domain.Metadata{}, ErrUndecodable
	}
	md := domain.Metadata{Name: parts[0]}
	if len(parts) > 1 {
		md.Description = parts[1]
	}
	if len(parts) > 2 {
		md.Location = parts[2]
	}
	return md, nil
}

// Describe resolves item metadata, substituting placeholders for anything the
// store cannot supply.
func Describe(ctx context.Context, s Store, item domain.Item) domain.Metadata {
	fallback := domain.Metadata{
		Name:        "Item #" + item.ID,
		Description: "Description not available",
		Location:    "Location not specified",
	}
	if s == nil {
		return fallback
	}
	md, err := s.Resolve(ctx, item.Fingerprint)
	if err != nil {
		return fallback
	}
	if md.Name == "" {
		md.Name = fallback.Name
	}
	if md.Description == "" {
		md.Description = fallback.Description
	}
	if md.Location == "" {
		md.Location = fallback.Location
	}
	return md
}
