package forms

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// Deleter is the two-phase delete side of a binder.
type Deleter interface {
	MarkPendingDelete(id string) error
	PendingDelete() string
	CancelDelete()
	ConfirmDelete(ctx context.Context) error
}

// DeletePromptView is the render state of the delete confirmation.
type DeletePromptView struct {
	Open   bool   `json:"open"`
	Domain string `json:"domain,omitempty"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DeletePrompt is the "are you sure" modal in front of a binder's delete.
// Only one delete can be pending per session.
type DeletePrompt struct {
	mu      sync.Mutex
	deleter Deleter
	domain  string
	id      string
	err     string
}

// Request marks id in d and opens the prompt. A previously pending delete in
// another domain is cancelled.
func (p *DeletePrompt) Request(domain string, d Deleter, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleter != nil && p.deleter != d {
		p.deleter.CancelDelete()
	}
	if err := d.MarkPendingDelete(id); err != nil {
		return err
	}
	p.deleter, p.domain, p.id, p.err = d, domain, id, ""
	return nil
}

// Cancel closes the prompt without deleting anything.
func (p *DeletePrompt) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleter != nil {
		p.deleter.CancelDelete()
	}
	p.deleter, p.domain, p.id, p.err = nil, "", "", ""
}

// Confirm deletes the marked document. The prompt closes on success and
// stays open with the error otherwise.
func (p *DeletePrompt) Confirm(ctx context.Context) error {
	p.mu.Lock()
	d, id := p.deleter, p.id
	p.mu.Unlock()
	if d == nil {
		return ErrNotOpen
	}

	// A failed confirm cleared the marker; pressing confirm again re-arms it.
	if d.PendingDelete() == "" {
		if err := d.MarkPendingDelete(id); err != nil {
			return err
		}
	}
	err := d.ConfirmDelete(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.err = err.Error()
		return err
	}
	p.deleter, p.domain, p.id, p.err = nil, "", "", ""
	return nil
}

// View returns the prompt state.
func (p *DeletePrompt) View() DeletePromptView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return DeletePromptView{Open: p.deleter != nil, Domain: p.domain, ID: p.id, Error: p.err}
}

// ShareLink is the address that opens uid's shared records.
func ShareLink(publicURL, uid string) string {
	if uid == "" {
		return ""
	}
	base := strings.TrimRight(publicURL, "?")
	return base + "?shareId=" + url.QueryEscape(uid)
}
