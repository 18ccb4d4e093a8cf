package client

import "time"

type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

// DefaultAssets are the images shown when no asset set is configured.
var DefaultAssets = Assets{
	LargeImage: "idle",
	SmallImage: "idle",
	SmallText:  "Helix",
}

type Timestamps struct {
	Start int64 `json:"start,omitempty"` // ms since epoch
	End   int64 `json:"end,omitempty"`
}

// Since returns timestamps starting at t.
func Since(t time.Time) *Timestamps {
	return &Timestamps{Start: t.UnixMilli()}
}

type Activity struct {
	State      string      `json:"state,omitempty"`
	Details    string      `json:"details,omitempty"`
	Timestamps *Timestamps `json:"timestamps,omitempty"`
	Instance   bool        `json:"instance"`
	Assets     *Assets     `json:"assets,omitempty"`
}

// IsEmpty reports whether a carries nothing to display. Use a nil activity
// to clear the presence instead.
func (a Activity) IsEmpty() bool {
	return a.State == "" &&
		a.Details == "" &&
		a.Timestamps == nil &&
		a.Assets == nil
}

// withLargeText fills in the large image tooltip when the asset set leaves
// it blank.
func (a Assets) withLargeText(text string) *Assets {
	if a.LargeText == "" {
		a.LargeText = text
	}
	return &a
}
