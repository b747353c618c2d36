// Package admission implements the two gates every inference request passes
// before any provider is contacted: a memory gate that rejects new work when
// the host is low on free RAM, and a token-budget gate that rejects prompts
// exceeding a per-product size ceiling.
package admission

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryGate rejects new requests when free RAM drops below a configured
// floor. It samples live memory stats on every call rather than caching
// them, matching the cheap-syscall assumption the original guard makes.
type MemoryGate struct {
	minFreeBytes uint64
}

// NewMemoryGate builds a MemoryGate that requires at least minFreeMB of
// available memory for a request to be admitted.
func NewMemoryGate(minFreeMB int) *MemoryGate {
	if minFreeMB < 0 {
		minFreeMB = 0
	}
	return &MemoryGate{minFreeBytes: uint64(minFreeMB) * 1024 * 1024}
}

// Snapshot is a point-in-time read of host memory pressure, shaped for the
// /health endpoint.
type Snapshot struct {
	FreeMB        int  `json:"free_mb"`
	MinRequiredMB int  `json:"min_required_mb"`
	Healthy       bool `json:"healthy"`
}

// Snapshot reads current memory stats. If the underlying syscall fails, it
// reports unhealthy rather than silently admitting requests blind — unlike
// cache/lock failures, a memory read failure gives no safe default.
func (g *MemoryGate) Snapshot() Snapshot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{MinRequiredMB: int(g.minFreeBytes / (1024 * 1024)), Healthy: false}
	}
	return Snapshot{
		FreeMB:        int(vm.Available / (1024 * 1024)),
		MinRequiredMB: int(g.minFreeBytes / (1024 * 1024)),
		Healthy:       vm.Available >= g.minFreeBytes,
	}
}

// RejectedError is returned by Enforce when the host does not have enough
// free memory to admit the request.
type RejectedError struct {
	FreeMB int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("insufficient free RAM: %dMB available", e.FreeMB)
}

// Enforce returns a *RejectedError if free memory is below the configured
// floor, and nil otherwise. A failed memory read is treated the same as
// being below the floor, so callers always get an explicit decision.
func (g *MemoryGate) Enforce() error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return &RejectedError{FreeMB: 0}
	}
	if vm.Available < g.minFreeBytes {
		return &RejectedError{FreeMB: int(vm.Available / (1024 * 1024))}
	}
	return nil
}

// defaultTokenCeiling applies to any product not named in productTokenCeilings.
const defaultTokenCeiling = 600

// productTokenCeilings holds the per-product input-token budget. Products
// not listed here fall back to defaultTokenCeiling.
var productTokenCeilings = map[string]int{
	"synqra": 1500,
	"aurafx": 800,
	"noid":   600,
}

// EstimateInputTokens gives a cheap, deliberately approximate token count
// for a prompt, used only as a routing guardrail — not for billing.
func EstimateInputTokens(prompt string) int {
	n := (len(prompt) + 3) / 4
	if n < 0 {
		return 0
	}
	return n
}

// TokenCeilingForProduct returns the input-token ceiling configured for
// product, or the default ceiling if the product is unrecognized.
func TokenCeilingForProduct(product string) int {
	if ceiling, ok := productTokenCeilings[product]; ok {
		return ceiling
	}
	return defaultTokenCeiling
}

// TooLargeError is returned when a prompt's estimated token count exceeds
// its product's ceiling.
type TooLargeError struct {
	Product         string
	EstimatedTokens int
	Ceiling         int
}

func (e *TooLargeError) Error() string {
	product := e.Product
	if product == "" {
		product = "default"
	}
	return fmt.Sprintf("prompt exceeds token ceiling for product '%s' (%d>%d)", product, e.EstimatedTokens, e.Ceiling)
}

// EnforceTokenCeiling returns a *TooLargeError if prompt's estimated token
// count exceeds product's ceiling, and nil otherwise. product is normalized
// (trimmed, lowercased) before the ceiling lookup.
func EnforceTokenCeiling(product, prompt string) error {
	product = strings.ToLower(strings.TrimSpace(product))
	estimated := EstimateInputTokens(strings.TrimSpace(prompt))
	ceiling := TokenCeilingForProduct(product)
	if estimated > ceiling {
		return &TooLargeError{Product: product, EstimatedTokens: estimated, Ceiling: ceiling}
	}
	return nil
}
