// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
)

// Version is the FleetGuard release version.
const Version = "0.4.0"

const art = `
    ______ __           __   ______                     __
   / ____// /___   ___ / /_ / ____/__  __ ____ _ _____ ____/ /
  / /_   / // _ \ / _ \ __// / __ / / / // __ '// ___// __  /
 / __/  / //  __//  __/ /_/ /_/ // /_/ // /_/ // /   / /_/ /
/_/    /_/ \___/ \___/\__/\____/ \__,_/ \__,_//_/    \__,_/
                         v%s - Video Alert Lifecycle Engine
`

// Print writes the banner and the active storage mode to w.
func Print(w io.Writer, storageMode string) {
	fmt.Fprintf(w, art, Version)
	fmt.Fprintf(w, "storage: %s\n", storageMode)
	fmt.Fprintln(w, "------------------------------------------------")
}
