// Package collab provides the reference implementations of the scheduler's
// external collaborators: catalog client, content
// downloader, renderer, view tracker, and settings store. None of these
// substitutes for the real HTTP control surface, MQTT transport, or
// rendering pipeline; they exist so cmd/p3a-scheduler and tests can drive
// the scheduler through a full cold-start -> refresh -> download -> pick
// -> show-url cycle without those excluded subsystems.
package collab

import "github.com/fabkury/p3a/internal/config"

// Paths wraps config.Config as the settings-store collaborator, giving the
// rest of this package a narrow view instead of passing the whole Config
// struct around.
type Paths struct {
	cfg *config.Config
}

// NewPaths constructs a Paths view over cfg.
func NewPaths(cfg *config.Config) *Paths { return &Paths{cfg: cfg} }

func (p *Paths) ChannelsDir() string   { return p.cfg.ChannelsDir }
func (p *Paths) VaultDir() string      { return p.cfg.VaultDir }
func (p *Paths) AnimationsDir() string { return p.cfg.AnimationsDir }
func (p *Paths) DownloadsDir() string  { return p.cfg.DownloadsDir }

// PlaysetsDir returns where .playset files live — the same directory as
// the channel caches, per the on-disk convention
// "<channels_dir>/<name>.playset".
func (p *Paths) PlaysetsDir() string { return p.cfg.ChannelsDir }
