package extension

import (
	"github.com/rs/zerolog/log"

	"github.com/toolink/share/coordinator"
)

// Controller is the presentable surface of a share. Its triggers are the only
// way the user influences the coordinator.
type Controller struct {
	m *Manager
}

// Confirm records where the share goes and starts loading. Nothing is
// posted before Confirm, even when loading started eagerly.
func (c *Controller) Confirm(destination string) {
	log.Debug().Str("session", c.m.Session()).Str("destination", destination).Msg("share confirmed")
	c.m.confirm(destination)
}

// Dismiss cancels the share.
func (c *Controller) Dismiss() {
	log.Debug().Str("session", c.m.Session()).Msg("share dismissed")
	c.m.dismiss()
}

// Progress returns aggregate load progress for display.
func (c *Controller) Progress() coordinator.Progress {
	return c.m.coord.Progress()
}

// Attachments returns per-attachment status for display.
func (c *Controller) Attachments() []coordinator.Status {
	return c.m.coord.Attachments()
}
