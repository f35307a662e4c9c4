package model

import (
	"bytes"
	"encoding/json"
)

// Page is one page of a list endpoint. It decodes paginated objects
// ({count, next, previous, results}) as well as bare arrays.
type Page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
	Results  []T    `json:"results"`
}

func (p *Page[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = Page[T]{}
		return nil
	}
	if b[0] == '[' {
		var items []T
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*p = Page[T]{Count: len(items), Results: items}
		return nil
	}
	var aux struct {
		Count    *int   `json:"count"`
		Total    *int   `json:"total"`
		Next     string `json:"next"`
		Previous string `json:"previous"`
		Results  []T    `json:"results"`
		Items    []T    `json:"items"`
		Logs     []T    `json:"logs"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	out := Page[T]{Next: aux.Next, Previous: aux.Previous, Results: aux.Results}
	if out.Results == nil {
		out.Results = aux.Items
	}
	if out.Results == nil {
		out.Results = aux.Logs
	}
	switch {
	case aux.Count != nil:
		out.Count = *aux.Count
	case aux.Total != nil:
		out.Count = *aux.Total
	default:
		out.Count = len(out.Results)
	}
	*p = out
	return nil
}
