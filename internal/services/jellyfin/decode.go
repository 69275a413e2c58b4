package jellyfin

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeItems decodes a collection payload. The paged envelope is tried first;
// when the payload is a bare array it is accepted with TotalRecordCount set to
// its length and StartIndex zero.
func DecodeItems(data []byte) (ItemsPage, error) {
	var page ItemsPage
	envelopeErr := json.Unmarshal(data, &page)
	if envelopeErr == nil {
		if page.Items == nil {
			page.Items = []Item{}
		}
		return page, nil
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return ItemsPage{}, fmt.Errorf("decode item array: %w", err)
		}
		return ItemsPage{}, fmt.Errorf("decode item envelope: %w", envelopeErr)
	}
	if items == nil {
		items = []Item{}
	}
	return ItemsPage{Items: items, TotalRecordCount: len(items), StartIndex: 0}, nil
}
