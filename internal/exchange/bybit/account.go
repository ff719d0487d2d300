package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// Balances returns the unified account balances keyed by asset.
func (c *Client) Balances(ctx context.Context) (map[string]types.Balance, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	var balances map[string]types.Balance
	err := c.call(ctx, "balances", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
		if err != nil {
			return err
		}
		balances, err = parseBalances(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

func parseBalances(response interface{}) (map[string]types.Balance, error) {
	raw, err := serverResult(response)
	if err != nil {
		return nil, err
	}

	var walletResult struct {
		List []struct {
			AccountType string `json:"accountType"`
			Coin        []struct {
				Coin             string `json:"coin"`
				WalletBalance    string `json:"walletBalance"`
				AvailableToTrade string `json:"availableToWithdraw"`
				Locked           string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &walletResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet result: %w", err)
	}

	balances := make(map[string]types.Balance)
	for _, account := range walletResult.List {
		for _, coin := range account.Coin {
			total, _ := strconv.ParseFloat(coin.WalletBalance, 64)
			locked, _ := strconv.ParseFloat(coin.Locked, 64)
			free := total - locked
			if avail, err := strconv.ParseFloat(coin.AvailableToTrade, 64); err == nil && avail > 0 {
				free = avail
			}
			balances[coin.Coin] = types.Balance{
				Asset: coin.Coin,
				Free:  free,
				Total: total,
			}
		}
	}
	return balances, nil
}
