// Package codec serializes and parses memory records to the on-disk
// Markdown-with-YAML-frontmatter file format.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"memsub/internal/domain"
)

const frontmatterVersion = 1

// frontmatter is the YAML block at the top of every memory file.
type frontmatter struct {
	ID           string            `yaml:"id"`
	Version      int               `yaml:"version"`
	Type         string            `yaml:"type"`
	Layer        string            `yaml:"layer"`
	Importance   float64           `yaml:"importance"`
	Confidence   float64           `yaml:"confidence"`
	Tags         []string          `yaml:"tags,omitempty"`
	Entities     []string          `yaml:"entities,omitempty"`
	Source       sourceFrontmatter `yaml:"source"`
	Supersedes   string            `yaml:"supersedes,omitempty"`
	SupersededBy string            `yaml:"supersededBy,omitempty"`
	CreatedAt    string            `yaml:"createdAt"`
	UpdatedAt    string            `yaml:"updatedAt"`
	AccessedAt   string            `yaml:"accessedAt"`
}

type sourceFrontmatter struct {
	Type           string `yaml:"type"`
	ConversationID string `yaml:"conversationId,omitempty"`
	MessageID      string `yaml:"messageId,omitempty"`
}

// Option configures a Codec.
type Option func(*Codec)

// WithEncryptor enables transparent at-rest body encryption. Off by
// default; the spec's Markdown format is plaintext. When set, the body is
// replaced with a base64 ciphertext blob and no frontmatter fields change.
func WithEncryptor(enc domain.ContentEncryptor) Option {
	return func(c *Codec) { c.encryptor = enc }
}

// Codec serializes/parses MemoryRecord <-> Markdown file bodies.
type Codec struct {
	encryptor domain.ContentEncryptor
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildFileName returns the filename-safe name for r:
// {createdAt_iso_safe}_{type}_{shortId}.md
func BuildFileName(r domain.MemoryRecord) string {
	ts := r.CreatedAt.UTC().Format("2006-01-02T15-04-05")
	return fmt.Sprintf("%s_%s_%s.md", ts, r.Type, shortID(r.ID))
}

// shortID returns the first 7 uppercase alphanumeric characters of id.
func shortID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
		if b.Len() >= 7 {
			break
		}
	}
	return strings.ToUpper(b.String())
}

// Serialize renders r as a deterministic Markdown file. Fields that are
// null/empty are omitted from the frontmatter; tags/entities are preserved
// in the given order.
func (c *Codec) Serialize(r domain.MemoryRecord) (string, error) {
	body := r.Content
	if c.encryptor != nil {
		encrypted, err := c.encryptor.Encrypt(body)
		if err != nil {
			return "", domain.NewDomainError("Codec.Serialize", domain.ErrRepositorySerialization, err.Error())
		}
		body = encrypted
	}

	fm := frontmatter{
		ID:         r.ID,
		Version:    frontmatterVersion,
		Type:       string(r.Type),
		Layer:      string(r.Layer),
		Importance: r.Importance,
		Confidence: r.Confidence,
		Tags:       r.Tags,
		Entities:   r.Entities,
		Source: sourceFrontmatter{
			Type:           string(r.Source.SourceType),
			ConversationID: r.Source.ConversationID,
			MessageID:      r.Source.MessageID,
		},
		Supersedes:   r.Supersedes,
		SupersededBy: r.SupersededBy,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		AccessedAt:   r.AccessedAt.UTC().Format(time.RFC3339Nano),
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", domain.NewDomainError("Codec.Serialize", domain.ErrRepositorySerialization, err.Error())
	}
	enc.Close()
	buf.WriteString("---\n\n")
	buf.WriteString(body)
	buf.WriteByte('\n')

	return buf.String(), nil
}

// FileRecord is the result of parsing a Markdown file: the record plus
// content, ready for repository reconciliation or ingest.
type FileRecord = domain.MemoryRecord

// Parse reads a serialized Markdown file back into a MemoryRecord. It
// rejects files with absent or invalid frontmatter.
func (c *Codec) Parse(text string) (*FileRecord, error) {
	if !strings.HasPrefix(text, "---\n") {
		return nil, domain.NewDomainError("Codec.Parse", domain.ErrRepositorySerialization, "missing frontmatter start")
	}

	rest := text[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return nil, domain.NewDomainError("Codec.Parse", domain.ErrRepositorySerialization, "missing frontmatter end")
	}

	fmRaw := rest[:idx]
	body := strings.TrimSpace(rest[idx+5:])

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
		return nil, domain.NewDomainError("Codec.Parse", domain.ErrRepositorySerialization, fmt.Sprintf("parse frontmatter: %v", err))
	}
	if fm.ID == "" {
		return nil, domain.NewDomainError("Codec.Parse", domain.ErrRepositorySerialization, "frontmatter missing id")
	}

	if c.encryptor != nil && c.encryptor.IsEncrypted(body) {
		decrypted, err := c.encryptor.Decrypt(body)
		if err != nil {
			return nil, domain.NewDomainError("Codec.Parse", domain.ErrRepositorySerialization, fmt.Sprintf("decrypt body: %v", err))
		}
		body = decrypted
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, fm.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, fm.UpdatedAt)
	accessedAt, _ := time.Parse(time.RFC3339Nano, fm.AccessedAt)

	return &domain.MemoryRecord{
		ID:         fm.ID,
		Content:    body,
		Type:       domain.MemoryType(fm.Type),
		Layer:      domain.MemoryLayer(fm.Layer),
		Importance: fm.Importance,
		Confidence: fm.Confidence,
		Tags:       fm.Tags,
		Entities:   fm.Entities,
		Source: domain.Provenance{
			SourceType:     domain.SourceType(fm.Source.Type),
			ConversationID: fm.Source.ConversationID,
			MessageID:      fm.Source.MessageID,
		},
		Supersedes:   fm.Supersedes,
		SupersededBy: fm.SupersededBy,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		AccessedAt:   accessedAt,
	}, nil
}

// Checksum returns the hex-encoded SHA-256 digest of a serialized file.
func Checksum(serialized string) string {
	sum := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(sum[:])
}
