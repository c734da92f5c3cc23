// Package webapp provides the embedded page templates and static files for
// the file browser web app.
package webapp

import "embed"

//go:embed templates static
var Assets embed.FS
