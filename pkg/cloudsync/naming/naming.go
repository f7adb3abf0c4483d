// Package naming derives the cloud group id and group folder name of a
// platform group from its display name.
package naming

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// Field selects which derived identifier to generate. The value is the
// group column it is stored in.
type Field string

const (
	GroupID    Field = "remote_group_id"
	FolderName Field = "remote_folder_name"
)

// ReservedName is never handed out, in any letter case
const ReservedName = "admin"

// fallbackPrefix keeps empty and all-digit names usable as identifiers
const fallbackPrefix = "Folder"

var (
	ErrUnknownField      = errors.New("unknown naming field")
	ErrGroupNotPersisted = errors.New("group has no id")
)

// Store is the persistence the generator needs
type Store interface {
	// TakenValues returns the non-empty values of column for every group in
	// the organization except excludeID.
	TakenValues(ctx context.Context, column string, orgID, excludeID uint) ([]string, error)
	// SaveValue writes a single column of one group
	SaveValue(ctx context.Context, groupID uint, column string, value string) error
}

// Options controls a Generate call
type Options struct {
	// Force ignores an existing value and derives a new one
	Force bool
	// Save writes the result to the store and onto the group
	Save bool
}

// Generator derives unique identifiers. Uniqueness is checked against the
// store without locking: two groups with the same name initialized at the
// same moment can be handed the same value.
type Generator struct {
	store            Store
	prefixByCategory bool
	maxLen           map[Field]int
	log              zerolog.Logger
}

// New creates a Generator using the naming settings of cfg
func New(store Store, cfg config.CloudConfig) *Generator {
	return &Generator{
		store:            store,
		prefixByCategory: cfg.PrefixByCategory,
		maxLen: map[Field]int{
			GroupID:    cfg.GroupIDMaxLength,
			FolderName: cfg.FolderNameMaxLength,
		},
		log: logging.Component("naming"),
	}
}

// Generate returns the value of field for group, deriving and optionally
// saving one when it is unset or opts.Force is given.
func (g *Generator) Generate(ctx context.Context, group *models.Group, field Field, opts Options) (string, error) {
	maxLen, ok := g.maxLen[field]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if current := currentValue(group, field); current != "" && !opts.Force {
		return current, nil
	}

	candidate := g.candidate(group)
	candidate = truncate(candidate, maxLen)

	values, err := g.store.TakenValues(ctx, string(field), group.OrganizationID, group.ID)
	if err != nil {
		return "", fmt.Errorf("load existing %s values: %w", field, err)
	}
	taken := make(map[string]struct{}, len(values)+1)
	for _, v := range values {
		taken[strings.ToLower(v)] = struct{}{}
	}
	taken[ReservedName] = struct{}{}

	value := unique(candidate, maxLen, taken)

	if opts.Save {
		if group.ID == 0 {
			return "", ErrGroupNotPersisted
		}
		if err := g.store.SaveValue(ctx, group.ID, string(field), value); err != nil {
			return "", fmt.Errorf("save %s: %w", field, err)
		}
		setValue(group, field, value)
		g.log.Debug().Uint("group_id", group.ID).Str("field", string(field)).Str("value", value).Msg("assigned identifier")
	}
	return value, nil
}

func (g *Generator) candidate(group *models.Group) string {
	name := Sanitize(group.Name)
	if g.prefixByCategory {
		if group.IsSociety() {
			return "G - " + name
		}
		return "P - " + name
	}
	if name == "" || allDigits(name) {
		return fallbackPrefix + name
	}
	return name
}

// unique appends " 2", " 3", ... until the value is free, shortening the
// base so the suffixed value still fits in maxLen.
func unique(candidate string, maxLen int, taken map[string]struct{}) string {
	if _, ok := taken[strings.ToLower(candidate)]; !ok {
		return candidate
	}
	for n := 2; ; n++ {
		suffix := " " + strconv.Itoa(n)
		base := strings.TrimRightFunc(truncate(candidate, maxLen-len(suffix)), unicode.IsSpace)
		value := base + suffix
		if _, ok := taken[strings.ToLower(value)]; !ok {
			return value
		}
	}
}

// Sanitize keeps letters, digits, underscores and hyphens. Whitespace runs
// become single spaces and surrounding whitespace is dropped.
func Sanitize(name string) string {
	var b strings.Builder
	pendingSpace := false
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// truncate cuts s to at most n runes and drops trailing whitespace
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRightFunc(string(runes[:n]), unicode.IsSpace)
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func currentValue(group *models.Group, field Field) string {
	switch field {
	case GroupID:
		return models.Str(group.RemoteGroupID)
	case FolderName:
		return models.Str(group.RemoteFolderName)
	}
	return ""
}

func setValue(group *models.Group, field Field, value string) {
	switch field {
	case GroupID:
		group.RemoteGroupID = &value
	case FolderName:
		group.RemoteFolderName = &value
	}
}
