package exchange

import (
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/gateway-fm/perpsim/internal/rpc"
)

func TestExtractError(t *testing.T) {
	tests := []struct {
		name string
		logs []string
		want string
	}{
		{
			name: "anchor error",
			logs: []string{
				"Program dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH invoke [1]",
				"Program log: AnchorError occurred. Error Code: MarketSettlementAttemptOnActiveMarket. Error Number: 6238. Error Message: Market settlement attempted on active market.",
				"Program log: Error Message: second",
			},
			want: "Market settlement attempted on active market.",
		},
		{name: "no error", logs: []string{"Program log: ok"}, want: ""},
		{name: "nil", logs: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractError(tt.logs); got != tt.want {
				t.Errorf("ExtractError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseComputeUnits(t *testing.T) {
	tests := []struct {
		name string
		logs []string
		want int64
	}{
		{
			name: "last match wins",
			logs: []string{
				"Program A consumed 1200 of 200000 compute units",
				"Program B consumed 35123 of 198800 compute units",
			},
			want: 35123,
		},
		{name: "none", logs: []string{"Program log: hi"}, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseComputeUnits(tt.logs); got != tt.want {
				t.Errorf("ParseComputeUnits() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUserDiscriminator(t *testing.T) {
	// base58 "TfwwBiNJtao"
	if got := hex.EncodeToString(UserDiscriminator); got != "9f755fe3ef973aec" {
		t.Errorf("UserDiscriminator = %s", got)
	}
}

func TestErrorMessage(t *testing.T) {
	rpcErr := &rpc.RPCError{
		Code:    -32002,
		Message: "simulation failed",
		Logs:    []string{"Program log: Error Message: Insufficient collateral"},
	}
	wrapped := fmt.Errorf("exchange_settlePnl: %w", rpcErr)

	if got := ErrorMessage(wrapped); got != "Insufficient collateral" {
		t.Errorf("ErrorMessage() = %q", got)
	}
	if got := ErrorMessage(errors.New("boom")); got != "boom" {
		t.Errorf("ErrorMessage() fallback = %q", got)
	}
	if got := ErrorMessage(nil); got != "" {
		t.Errorf("ErrorMessage(nil) = %q", got)
	}
}
