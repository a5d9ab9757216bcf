package session

import (
	"context"
	"errors"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/models"
)

// resolveSecrets returns the character's secrets over the server defaults.
// A blob that fails verification is not trusted: the defaults are used, and
// the rejection is logged and counted so tampering stays visible.
func (s *Service) resolveSecrets(ctx context.Context, c *models.Character) map[string]string {
	secrets := make(map[string]string, len(s.opts.DefaultSecrets))
	for k, v := range s.opts.DefaultSecrets {
		secrets[k] = v
	}

	row, err := s.characters.Secrets(ctx, c.ID)
	if err != nil {
		s.log.Warn("Character secrets unavailable, using server defaults", "character_id", c.ID, "error", err.Error())
		s.metrics.SecretsFallback(ctx, "unavailable")
		return secrets
	}
	if row == nil {
		return secrets
	}

	own, err := s.characters.Codec().Open(row)
	if err != nil {
		reason := "decrypt_failed"
		if errors.Is(err, character.ErrSignatureInvalid) {
			reason = "signature_invalid"
		}
		s.log.Warn("Character secrets rejected, using server defaults", "character_id", c.ID, "reason", reason)
		s.metrics.SecretsFallback(ctx, reason)
		return secrets
	}

	for k, v := range own {
		if v != "" {
			secrets[k] = v
		}
	}
	return secrets
}
