package network

import (
	"fmt"
	"math/rand"
)

// RandomUserAgent generates a random Windows Chrome User-Agent string.
// Windows 11 still reports as "Windows NT 10.0" for compatibility.
func RandomUserAgent() string {
	// Chrome version 120-145 (modern range)
	chromeVersion := rand.Intn(26) + 120
	chromeBuild := rand.Intn(1500) + 6000
	chromePatch := rand.Intn(200) + 100

	return fmt.Sprintf(
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.%d.%d Safari/537.36",
		chromeVersion,
		chromeBuild,
		chromePatch,
	)
}
