package crawler

import (
	"encoding/json"
	"fmt"
)

// EncodeItem serializes item for durable storage.
func EncodeItem(item WorkItem) ([]byte, error) {
	if item.Priority < 0 {
		return nil, fmt.Errorf("encode work item %q: negative priority %d", item.Target, item.Priority)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode work item %q: %w", item.Target, err)
	}
	return data, nil
}

// DecodeItem restores a WorkItem written by EncodeItem.
func DecodeItem(data []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	return item, nil
}
