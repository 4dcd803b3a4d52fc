package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/acme/campaign-dialer/internal/telephony"
)

// progression is the status sequence an auto-advancing call walks through on
// successive polls.
var progression = []string{"queued", "ringing", "in-progress", "ended"}

// Provider is an in-memory provider. Tests script create failures and status
// changes; local runs use auto-advance so calls finish on their own.
type Provider struct {
	mu          sync.Mutex
	seq         int
	autoAdvance bool
	calls       map[string]*telephony.CallInfo
	createErrs  map[string][]error
	getErrs     map[string]error
	creates     []telephony.CreateCallRequest
}

// NewProvider returns a scripted provider.
func NewProvider() *Provider {
	return &Provider{
		calls:      make(map[string]*telephony.CallInfo),
		createErrs: make(map[string][]error),
		getErrs:    make(map[string]error),
	}
}

// NewAutoAdvancing returns a provider whose calls progress one status per poll.
func NewAutoAdvancing() *Provider {
	p := NewProvider()
	p.autoAdvance = true
	return p
}

// FailCreate queues errors returned, in order, by create requests for number.
func (p *Provider) FailCreate(number string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErrs[number] = append(p.createErrs[number], errs...)
}

// FailGet makes status lookups for a provider call id fail.
func (p *Provider) FailGet(providerCallID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getErrs[providerCallID] = err
}

// SetStatus changes what the provider reports for a call.
func (p *Provider) SetStatus(providerCallID, status, endedReason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.calls[providerCallID]
	if !ok {
		return
	}
	info.Status = status
	info.EndedReason = endedReason
	info.Raw = encode(info)
}

// Creates returns every create request received, failed ones included.
func (p *Provider) Creates() []telephony.CreateCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telephony.CreateCallRequest, len(p.creates))
	copy(out, p.creates)
	return out
}

// CreateCall records the request and returns a queued call.
func (p *Provider) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (*telephony.CallInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.creates = append(p.creates, req)
	if queued := p.createErrs[req.CustomerNumber]; len(queued) > 0 {
		p.createErrs[req.CustomerNumber] = queued[1:]
		return nil, queued[0]
	}

	p.seq++
	info := &telephony.CallInfo{ID: fmt.Sprintf("mock-call-%d", p.seq), Status: "queued"}
	info.Raw = encode(info)
	p.calls[info.ID] = info

	out := *info
	return &out, nil
}

// GetCall returns the current state of a call.
func (p *Provider) GetCall(ctx context.Context, providerCallID string) (*telephony.CallInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.getErrs[providerCallID]; err != nil {
		return nil, err
	}
	info, ok := p.calls[providerCallID]
	if !ok {
		return nil, telephony.NewStatusError(http.StatusNotFound, `{"message":"call not found"}`)
	}
	if p.autoAdvance {
		advance(info)
	}

	out := *info
	return &out, nil
}

func advance(info *telephony.CallInfo) {
	for i, s := range progression[:len(progression)-1] {
		if info.Status == s {
			info.Status = progression[i+1]
			if info.Status == "ended" {
				info.EndedReason = "customer-ended-call"
			}
			info.Raw = encode(info)
			return
		}
	}
}

func encode(info *telephony.CallInfo) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"id":          info.ID,
		"status":      info.Status,
		"endedReason": info.EndedReason,
	})
	return raw
}

var _ telephony.Provider = (*Provider)(nil)
