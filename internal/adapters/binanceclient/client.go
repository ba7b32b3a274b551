package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client is a read-only market-data adapter over the Binance futures REST API.
// It implements ports.PriceOracle, ports.PrecisionSource and ports.KlineSource.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	useMarkPrice  bool

	precisionMu sync.RWMutex
	precision   map[string]int32
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	// UseMarkPrice prices positions at the mark price instead of the last trade.
	UseMarkPrice bool
	Logger       ports.Logger
}

// New creates a new Binance client adapter. Only public endpoints are used, so
// empty keys are fine.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		useMarkPrice:  cfg.UseMarkPrice,
		precision:     make(map[string]int32),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1121: // Invalid symbol
			mappedErr = ports.ErrNotFound
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		c.logger.Warn(ctx, operation+" failed with API error", fields)
		return fmt.Errorf("%s failed: %w: %w: %w", operation, ports.ErrPriceUnavailable, mappedErr, err)
	}

	var mapped error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mapped = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		mapped = ports.ErrContextCanceled
	case strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer"):
		mapped = ports.ErrConnectionFailed
	default:
		mapped = ports.ErrUnknown
	}
	c.logger.Warn(ctx, operation+" failed", fields)
	return fmt.Errorf("%s failed: %w: %w: %w", operation, ports.ErrPriceUnavailable, mapped, err)
}

// FetchPrice returns the latest trade price, or the mark price when configured.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c.useMarkPrice {
		return c.GetMarkPrice(ctx, symbol)
	}
	op := "FetchPrice"
	prices, err := c.futuresClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}
	for _, p := range prices {
		if p != nil && p.Symbol == symbol {
			return parsePrice(p.Price, symbol)
		}
	}
	return decimal.Zero, c.handleError(ctx, fmt.Errorf("no price data returned for symbol %s", symbol), op)
}

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	op := "GetMarkPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return decimal.Zero, c.handleError(ctx, fmt.Errorf("no mark price returned for symbol %s", symbol), op)
	}
	return parsePrice(tickers[0].MarkPrice, symbol)
}

func parsePrice(raw, symbol string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("could not parse price '%s' for %s: %w: %w", raw, symbol, ports.ErrPriceUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s for %s: %w", price, symbol, ports.ErrPriceUnavailable)
	}
	return price, nil
}

// QuantityPrecision reports the quantity decimal places for symbol. Exchange info
// is fetched once and cached.
func (c *Client) QuantityPrecision(ctx context.Context, symbol string) (int32, error) {
	c.precisionMu.RLock()
	p, ok := c.precision[symbol]
	loaded := len(c.precision) > 0
	c.precisionMu.RUnlock()
	if ok {
		return p, nil
	}
	if !loaded {
		if err := c.loadExchangeInfo(ctx); err != nil {
			return 0, err
		}
		c.precisionMu.RLock()
		p, ok = c.precision[symbol]
		c.precisionMu.RUnlock()
		if ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("symbol %s: %w", symbol, ports.ErrSymbolPrecisionUnknown)
}

func (c *Client) loadExchangeInfo(ctx context.Context) error {
	op := "ExchangeInfo"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.precisionMu.Lock()
	defer c.precisionMu.Unlock()
	for _, s := range info.Symbols {
		c.precision[s.Symbol] = int32(s.QuantityPrecision)
	}
	c.logger.Info(ctx, "Exchange info loaded", map[string]interface{}{"symbols": len(info.Symbols)})
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetKlines retrieves recent klines for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	const maxLimit = 1500
	from := start

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			dk, err := translateBinanceKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			allKlines = append(allKlines, dk)
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
		c.logger.Debug(ctx, "Fetched kline page", map[string]interface{}{"symbol": symbol, "count": len(allKlines)})
	}
	return allKlines, nil
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	closePrice, err := decimal.NewFromString(bk.Close)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Kline{
		OpenTime:   time.UnixMilli(bk.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(bk.CloseTime).UTC(),
		Symbol:     symbol,
		Interval:   interval,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		ClosePrice: closePrice,
		Volume:     vol,
		IsFinal:    true,
	}, nil
}
