// Package character stores character definitions together with their
// ordered child rows and sealed secrets.
package character

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/pkg/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository errors
var (
	ErrNotFound = errors.New("character not found")
	ErrInvalid  = errors.New("invalid character")
)

// Repository is the durable store of characters
type Repository struct {
	adapter *store.Adapter
	codec   *SecretsCodec
	log     *logger.Logger
}

// NewRepository creates a repository. codec may be nil when secrets are not used.
func NewRepository(adapter *store.Adapter, codec *SecretsCodec, log *logger.Logger) *Repository {
	if log == nil {
		log = logger.GetGlobal()
	}
	if codec == nil {
		codec = NewSecretsCodec("")
	}
	return &Repository{adapter: adapter, codec: codec, log: log}
}

// Codec returns the secrets codec
func (r *Repository) Codec() *SecretsCodec {
	return r.codec
}

// Upsert creates or updates the character keyed on (author, name). The row,
// its child entries and, when secrets is non-nil, its sealed secrets are
// written in one transaction. The slug is generated on creation and kept on update.
func (r *Repository) Upsert(ctx context.Context, author string, def *models.Character, secrets map[string]string) (*models.Character, error) {
	if author == "" {
		return nil, fmt.Errorf("%w: author is required", ErrInvalid)
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	provider, err := llm.ParseProvider(def.ModelProvider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if def.Status == "" {
		def.Status = models.StatusPrivate
	}
	if def.Status != models.StatusPrivate && def.Status != models.StatusPublic {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, def.Status)
	}

	c := *def
	c.Author = author
	c.Name = strings.TrimSpace(def.Name)
	c.ModelProvider = string(provider)

	err = r.adapter.Transaction(ctx, func(tx *gorm.DB) error {
		var existing models.Character
		err := tx.Where("author = ? AND name = ?", author, c.Name).First(&existing).Error
		switch {
		case err == nil:
			c.ID = existing.ID
			c.Slug = existing.Slug
			c.CreatedAt = existing.CreatedAt
			if err := tx.Model(&existing).Select("model_provider", "bio", "status", "settings", "message_examples").Updates(&c).Error; err != nil {
				return fmt.Errorf("failed to update character: %w", err)
			}
			if err := tx.Where("character_id = ?", c.ID).Delete(&models.CharacterEntry{}).Error; err != nil {
				return fmt.Errorf("failed to clear character entries: %w", err)
			}
		case store.IsNotFound(err):
			c.ID = uuid.NewString()
			slug, err := uniqueSlug(tx, author, c.Name)
			if err != nil {
				return err
			}
			c.Slug = slug
			if err := tx.Create(&c).Error; err != nil {
				return fmt.Errorf("failed to create character: %w", err)
			}
		default:
			return err
		}

		if entries := c.ToEntries(); len(entries) > 0 {
			if err := tx.Create(&entries).Error; err != nil {
				return fmt.Errorf("failed to write character entries: %w", err)
			}
		}

		if secrets != nil {
			row, err := r.codec.Seal(c.ID, secrets)
			if err != nil {
				return store.Reject(err)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "character_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"salt", "signature", "payload", "updated_at"}),
			}).Create(row).Error; err != nil {
				return fmt.Errorf("failed to write character secrets: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Character saved", "character_id", c.ID, "author", author, "slug", c.Slug)
	return &c, nil
}

// Get returns the character of author with slug, or nil when it does not exist
func (r *Repository) Get(ctx context.Context, author, slug string) (*models.Character, error) {
	return r.load(ctx, "author = ? AND slug = ?", author, slug)
}

// GetByID returns the character with id, or nil when it does not exist
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Character, error) {
	return r.load(ctx, "id = ?", id)
}

func (r *Repository) load(ctx context.Context, query string, args ...any) (*models.Character, error) {
	var c models.Character
	var entries []models.CharacterEntry
	err := r.adapter.Do(ctx, func(db *gorm.DB) error {
		if err := db.Where(query, args...).First(&c).Error; err != nil {
			return err
		}
		return db.Where("character_id = ?", c.ID).Order("kind ASC").Order("position ASC").Find(&entries).Error
	})
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load character: %w", err)
	}
	c.ApplyEntries(entries)
	return &c, nil
}

// List returns the characters of an author without their child entries
func (r *Repository) List(ctx context.Context, author string) ([]models.Character, error) {
	var characters []models.Character
	err := r.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Where("author = ?", author).Order("name ASC").Find(&characters).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	return characters, nil
}

// Secrets returns the sealed secrets row of a character, or nil
func (r *Repository) Secrets(ctx context.Context, characterID string) (*models.CharacterSecret, error) {
	var row models.CharacterSecret
	err := r.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Where("character_id = ?", characterID).First(&row).Error
	})
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Delete removes the character and everything that depends on it: entries,
// secrets, rooms, sessions, nonces, memories, goals and participants. It
// returns the deleted character's id, or ErrNotFound.
func (r *Repository) Delete(ctx context.Context, author, slug string) (string, error) {
	var id string
	err := r.adapter.Transaction(ctx, func(tx *gorm.DB) error {
		var c models.Character
		if err := tx.Where("author = ? AND slug = ?", author, slug).First(&c).Error; err != nil {
			if store.IsNotFound(err) {
				return store.Reject(ErrNotFound)
			}
			return err
		}
		id = c.ID

		var rooms []string
		if err := tx.Model(&models.Room{}).Where("character_id = ? OR id = ?", c.ID, c.ID).Pluck("id", &rooms).Error; err != nil {
			return err
		}

		steps := []struct {
			model any
			query string
			args  []any
		}{
			{&models.Nonce{}, "room_id IN ?", []any{rooms}},
			{&models.Session{}, "character_id = ?", []any{c.ID}},
			{&models.Memory{}, "agent_id = ? OR room_id IN ?", []any{c.ID, rooms}},
			{&models.Goal{}, "room_id IN ?", []any{rooms}},
			{&models.Participant{}, "room_id IN ? OR user_id = ?", []any{rooms, c.ID}},
			{&models.Relationship{}, "user_a = ? OR user_b = ?", []any{c.ID, c.ID}},
			{&models.Room{}, "character_id = ? OR id = ?", []any{c.ID, c.ID}},
			{&models.Account{}, "id = ?", []any{c.ID}},
			{&models.CharacterEntry{}, "character_id = ?", []any{c.ID}},
			{&models.CharacterSecret{}, "character_id = ?", []any{c.ID}},
			{&models.Character{}, "id = ?", []any{c.ID}},
		}
		for _, step := range steps {
			if err := tx.Where(step.query, step.args...).Delete(step.model).Error; err != nil {
				return fmt.Errorf("failed to delete %T: %w", step.model, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.log.Info("Character deleted", "character_id", id, "author", author, "slug", slug)
	return id, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe, lower-cased slug from a name
func Slugify(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "character"
	}
	return slug
}

// uniqueSlug appends a numeric suffix until the slug is free for the author
func uniqueSlug(tx *gorm.DB, author, name string) (string, error) {
	base := Slugify(name)
	var taken []string
	if err := tx.Model(&models.Character{}).
		Where("author = ? AND (slug = ? OR slug LIKE ?)", author, base, base+"-%").
		Pluck("slug", &taken).Error; err != nil {
		return "", fmt.Errorf("failed to check slug: %w", err)
	}

	used := make(map[string]bool, len(taken))
	for _, s := range taken {
		used[s] = true
	}
	if !used[base] {
		return base, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !used[candidate] {
			return candidate, nil
		}
	}
}
