// Package chanid parses and sanitizes channel identifiers: a short ASCII
// string identifying one of the channel kinds (sdcard, named remote, user
// channel, hashtag channel, artwork).
package chanid

import "strings"

// Kind is the channel's broad category, used to decide LAi handling,
// refresh dispatch, and pick-mode defaults.
type Kind int

const (
	KindUnknown Kind = iota
	KindSDCard
	KindNamedRemote // "all", "promoted"
	KindUser        // by_user_<sqid>
	KindHashtag     // hashtag_<tag>
	KindArtwork     // transient one-shot "show this specific piece"
)

const (
	sdcardID = "sdcard"
	userPrefix    = "by_user_"
	hashtagPrefix = "hashtag_"
	artworkID     = "artwork"
)

// ID is a parsed, sanitized channel identifier.
type ID struct {
	Kind       Kind
	Identifier string // embedded sqid/tag for KindUser/KindHashtag, "" otherwise
	raw        string // full sanitized id, e.g. "by_user_ab12"
}

// Parse classifies raw into a Kind + embedded identifier, sanitizing any
// embedded identifier to [A-Za-z0-9_].
func Parse(raw string) ID {
	switch {
	case raw == sdcardID:
		return ID{Kind: KindSDCard, raw: sdcardID}
	case raw == "all", raw == "promoted":
		return ID{Kind: KindNamedRemote, raw: raw}
	case raw == artworkID:
		return ID{Kind: KindArtwork, raw: artworkID}
	case strings.HasPrefix(raw, userPrefix):
		id := sanitize(strings.TrimPrefix(raw, userPrefix))
		return ID{Kind: KindUser, Identifier: id, raw: userPrefix + id}
	case strings.HasPrefix(raw, hashtagPrefix):
		tag := sanitize(strings.TrimPrefix(raw, hashtagPrefix))
		return ID{Kind: KindHashtag, Identifier: tag, raw: hashtagPrefix + tag}
	default:
		return ID{Kind: KindUnknown, raw: sanitize(raw)}
	}
}

// String returns the canonical sanitized channel id string.
func (id ID) String() string { return id.raw }

// HasLAi reports whether this channel kind maintains a Locally Available
// index. Storage-card channels have no LAi: every artwork in Ci is, by
// definition, already present.
func (id ID) HasLAi() bool { return id.Kind != KindSDCard }

// FilePath returns the sanitized channel id used as the basename of this
// channel's cache file, without directory or ".bin" suffix; the file lives
// at "<channels_dir>/<sanitized_channel_id>.bin".
func (id ID) FilePath() string { return sanitizeForPath(id.raw) }

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// sanitizeForPath additionally maps ':' to '_', required for
// the on-disk cache file path (identifiers may otherwise already be clean).
func sanitizeForPath(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
