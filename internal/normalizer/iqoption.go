package normalizer

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/tick"
)

// IQOption normalizes raw IQ Option payloads. IQ Option reports candle
// style ticks where the price lives under "close" and the symbol under
// "active"; the alias lists below are tried in priority order.
type IQOption struct {
	base
}

// NewIQOption builds the IQ Option normalizer.
func NewIQOption(cfg *config.Config, log zerolog.Logger) *IQOption {
	return &IQOption{base: newBase(tick.BrokerIQOption, cfg, log)}
}

// Broker implements Normalizer.
func (n *IQOption) Broker() string { return n.broker }

// Normalize implements Normalizer. It carries no dedup state, so the
// same payload always normalizes to the same tick.
func (n *IQOption) Normalize(raw RawTick) (*tick.Tick, error) {
	t, err := n.normalize(raw)
	if err != nil {
		n.recordFailure()
		return nil, err
	}
	n.recordSuccess(t)
	return t, nil
}

func (n *IQOption) normalize(raw RawTick) (*tick.Tick, error) {
	symbol, _, ok := firstString(raw, "symbol", "active", "asset")
	if !ok {
		return nil, &InvalidTickDataError{Broker: n.broker, Field: "symbol", Reason: "no symbol/active/asset key present"}
	}

	broker, ok := n.cfg.GetBrokerConfig(n.broker)
	if !ok || !broker.Enabled {
		return nil, &BrokerDisabledError{Broker: n.broker}
	}

	ts, _, ok := firstTimestamp(raw, "timestamp", "from")
	if !ok {
		return nil, &InvalidTickDataError{Broker: n.broker, Field: "timestamp", Reason: "no timestamp/from key present"}
	}

	price, _, ok := firstDecimal(raw, "close", "price", "value")
	if !ok {
		return nil, &InvalidTickDataError{Broker: n.broker, Field: "price", Reason: "no close/price/value key present"}
	}

	volume := optionalDecimal(raw, "volume")
	bid := optionalDecimal(raw, "bid")
	ask := optionalDecimal(raw, "ask")

	// Asset config is optional; default precision applies when no
	// category matches.
	asset, found := n.cfg.FindAssetConfig(symbol)
	if !found {
		asset = config.Asset{Digits: config.DefaultDigits}
	}

	price = n.applyDigits(price, asset)
	if bid.Valid {
		bid.Decimal = n.applyDigits(bid.Decimal, asset)
	}
	if ask.Valid {
		ask.Decimal = n.applyDigits(ask.Decimal, asset)
	}

	// Spread is recomputed after adjustment so it stays consistent with
	// the adjusted bid/ask.
	var spread decimal.NullDecimal
	if bid.Valid && ask.Valid {
		spread = decimal.NewNullDecimal(ask.Decimal.Sub(bid.Decimal))
	}

	t, err := tick.New(ts, symbol, n.broker, price, tick.Params{
		Volume:   volume,
		Bid:      bid,
		Ask:      ask,
		Spread:   spread,
		RawData:  raw,
		BrokerTS: ts,
	})
	if err != nil {
		return nil, err
	}

	if n.cfg.TickNormalizer.Logging.LogNormalizedTicks != nil && *n.cfg.TickNormalizer.Logging.LogNormalizedTicks {
		n.log.Debug().Str("symbol", symbol).Str("price", price.String()).Msg("normalized tick")
	}
	return t, nil
}

func optionalDecimal(raw RawTick, key string) decimal.NullDecimal {
	if d, _, ok := firstDecimal(raw, key); ok {
		return decimal.NewNullDecimal(d)
	}
	return decimal.NullDecimal{}
}
