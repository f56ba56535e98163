package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func RandomString(n int) string {
	bytes := make([]byte, (n+1)/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// OutputFilename names a built presentation, e.g. presentation_20261015_153000_a1b2c3.pptx.
func OutputFilename(now time.Time) string {
	return fmt.Sprintf("presentation_%s_%s.pptx", now.Format("20060102_150405"), RandomString(6))
}
