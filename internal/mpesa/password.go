package mpesa

import (
	"encoding/base64"
	"time"
)

const timestampLayout = "20060102150405"

// eat is East Africa Time. Kenya has no daylight saving, so a fixed zone
// avoids depending on the host's tzdata.
var eat = time.FixedZone("EAT", 3*60*60)

// Timestamp formats t the way the provider signs requests.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password derives the request password: base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}
