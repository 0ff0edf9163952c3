package plex

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Collection is a library collection as the scheduler sees it.
type Collection struct {
	RatingKey string
	Title     string
	ItemCount int
	Pinned    bool
}

// ---- wire types ----
//
// Plex is loose about JSON scalar types: counts and flags arrive as numbers,
// strings, or booleans depending on server version. flexInt/flexBool absorb
// the variants.

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "true", `"true"`, "1", `"1"`:
		*f = true
	default:
		*f = false
	}
	return nil
}

type identityContainer struct {
	MediaContainer struct {
		FriendlyName      string `json:"friendlyName"`
		MachineIdentifier string `json:"machineIdentifier"`
		Version           string `json:"version"`
	} `json:"MediaContainer"`
}

type sectionsContainer struct {
	MediaContainer struct {
		Directory []struct {
			Key   string `json:"key"`
			Title string `json:"title"`
			Type  string `json:"type"`
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

type collectionsContainer struct {
	MediaContainer struct {
		Metadata []struct {
			RatingKey  string  `json:"ratingKey"`
			Title      string  `json:"title"`
			ChildCount flexInt `json:"childCount"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

type managedHubsContainer struct {
	MediaContainer struct {
		Hub []struct {
			Identifier        string   `json:"identifier"`
			Title             string   `json:"title"`
			PromotedToOwnHome flexBool `json:"promotedToOwnHome"`
		} `json:"Hub"`
	} `json:"MediaContainer"`
}
