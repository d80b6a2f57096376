package indexer

import (
	"context"
	"errors"
	"math/big"
	"math/bits"
	"testing"
)

func TestLocateFindsCreation(t *testing.T) {
	client := &fakeClient{
		head:     1_000_000,
		code:     []byte{0x60, 0x80},
		creation: 73_219,
	}
	l := NewLocator(client, 0, nil)

	block, err := l.Locate(context.Background(), testContract)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if block != 73_219 {
		t.Fatalf("have %d, want 73219", block)
	}
	// Binary search stays within its logarithmic probe budget.
	budget := bits.Len64(client.head) + 1
	if n := len(client.probes); n > budget {
		t.Fatalf("have %d probes, want at most %d", n, budget)
	}

	// The result is cached; another lookup costs no probes.
	before := len(client.probes)
	if _, err := l.Locate(context.Background(), testContract); err != nil {
		t.Fatalf("cached locate: %v", err)
	}
	if len(client.probes) != before {
		t.Fatalf("cached lookup probed upstream %d more times", len(client.probes)-before)
	}
}

func TestLocateContractMissing(t *testing.T) {
	client := &fakeClient{head: 100} // no code configured
	l := NewLocator(client, 0, nil)

	_, err := l.Locate(context.Background(), testContract)
	if !errors.Is(err, ErrContractNotFound) {
		t.Fatalf("have %v, want ErrContractNotFound", err)
	}
}

func TestLocateFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		client   *fakeClient
		fallback uint64
		want     uint64
	}{
		{
			name:     "code preflight error",
			client:   &fakeClient{codeErr: errors.New("boom")},
			fallback: 500,
			want:     500,
		},
		{
			name:     "probe error with configured start",
			client:   &fakeClient{head: 1000, code: []byte{1}, nonceErr: errors.New("boom")},
			fallback: 321,
			want:     321,
		},
		{
			name:     "probe error without configured start",
			client:   &fakeClient{head: 1000, code: []byte{1}, nonceErr: errors.New("boom")},
			fallback: 0,
			want:     1,
		},
		{
			name:     "head fetch error",
			client:   &fakeClient{code: []byte{1}, headErr: errors.New("boom")},
			fallback: 0,
			want:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLocator(tt.client, tt.fallback, nil)
			block, err := l.Locate(context.Background(), testContract)
			if err != nil {
				t.Fatalf("locate: %v", err)
			}
			if block != tt.want {
				t.Fatalf("have %d, want %d", block, tt.want)
			}
		})
	}
}

func TestLocateHonorsChainFloor(t *testing.T) {
	client := &fakeClient{
		chainID:  big.NewInt(11155111), // Sepolia carries a default floor
		head:     3_000_000,
		code:     []byte{1},
		creation: 2_500_000,
	}
	l := NewLocator(client, 0, nil)

	block, err := l.Locate(context.Background(), testContract)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if block != 2_500_000 {
		t.Fatalf("have %d, want 2500000", block)
	}
	for _, probe := range client.probes {
		if probe < 2_000_000 {
			t.Fatalf("probe %d below the chain floor", probe)
		}
	}
}

func TestLocateCustomFloor(t *testing.T) {
	client := &fakeClient{
		chainID:  big.NewInt(31337),
		head:     10_000,
		code:     []byte{1},
		creation: 9_000,
	}
	l := NewLocator(client, 0, nil)
	l.Floor(31337, 8_000)

	block, err := l.Locate(context.Background(), testContract)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if block != 9_000 {
		t.Fatalf("have %d, want 9000", block)
	}
	for _, probe := range client.probes {
		if probe < 8_000 {
			t.Fatalf("probe %d below the configured floor", probe)
		}
	}
}
