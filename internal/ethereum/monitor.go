package ethereum

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/detector"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Monitor polls the chain head and feeds every confirmed transfer through
// the detection pipeline. It keeps a simple in-process cursor; on restart it
// resumes from the current head rather than backfilling.

// MonitorConfig tunes the block monitor.
type MonitorConfig struct {
	PollInterval  time.Duration
	Confirmations uint64  // blocks behind head to process
	ETHPriceUSD   float64 // wei→USD conversion rate
	MaxBatch      uint64  // blocks per tick ceiling
}

// DefaultMonitorConfig returns sane polling defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:  6 * time.Second,
		Confirmations: 2,
		ETHPriceUSD:   2_500,
		MaxBatch:      20,
	}
}

// Monitor drives ingestion from the chain into the detector.
type Monitor struct {
	client *Client
	det    *detector.Detector
	cfg    MonitorConfig
	log    *zap.Logger

	started bool   // cursor initialized on the first successful head fetch
	next    uint64 // next block number to process
}

// NewMonitor creates a monitor over an RPC client.
func NewMonitor(client *Client, det *detector.Detector, cfg MonitorConfig, log *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 6 * time.Second
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 20
	}
	return &Monitor{client: client, det: det, cfg: cfg, log: log}
}

// Run polls until ctx is cancelled. RPC failures are logged and retried on
// the next tick; the cursor only advances past successfully processed blocks.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("starting block monitor",
		zap.Duration("pollInterval", m.cfg.PollInterval),
		zap.Uint64("confirmations", m.cfg.Confirmations))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("stopping block monitor")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	head, err := m.client.BlockNumber(ctx)
	if err != nil {
		m.log.Warn("head fetch failed", zap.Error(err))
		return
	}
	if head < m.cfg.Confirmations {
		return
	}
	target := head - m.cfg.Confirmations

	if !m.started {
		// First tick after boot: start at the confirmed head. The cursor
		// needs its own flag so block zero is processable.
		m.next = target
		m.started = true
	}
	if m.next > target {
		return
	}
	if target-m.next >= m.cfg.MaxBatch {
		m.log.Warn("monitor lagging, capping batch",
			zap.Uint64("behind", target-m.next),
			zap.Uint64("maxBatch", m.cfg.MaxBatch))
		target = m.next + m.cfg.MaxBatch - 1
	}

	for n := m.next; n <= target; n++ {
		if err := m.processBlock(ctx, n); err != nil {
			m.log.Warn("block processing failed, will retry",
				zap.Uint64("block", n), zap.Error(err))
			return
		}
		m.next = n + 1
	}
}

func (m *Monitor) processBlock(ctx context.Context, n uint64) error {
	blk, err := m.client.BlockByNumber(ctx, n)
	if err != nil {
		return err
	}
	if blk == nil {
		return nil // reorg or not yet propagated; retry next tick
	}

	ts := time.Unix(int64(blk.Timestamp), 0).UTC()
	analyzed := 0
	for _, btx := range blk.Transactions {
		tx := m.toTransaction(btx, uint64(blk.Number), ts)
		if _, err := m.det.Analyze(ctx, tx); err != nil {
			m.log.Debug("transaction rejected", zap.String("tx", btx.Hash), zap.Error(err))
			continue
		}
		analyzed++
	}

	m.log.Debug("block processed",
		zap.Uint64("block", n),
		zap.Int("transactions", len(blk.Transactions)),
		zap.Int("analyzed", analyzed))
	return nil
}

// toTransaction maps a chain transaction onto the engine's model. Value is
// converted from wei at the configured ETH price; gas price from wei to gwei.
func (m *Monitor) toTransaction(btx BlockTx, blockNumber uint64, ts time.Time) models.Transaction {
	valueUSD := btx.Value.Float() / 1e18 * m.cfg.ETHPriceUSD
	gasGwei := btx.GasPrice.Float() / 1e9

	txType := models.TxTransfer
	if btx.To == "" {
		txType = models.TxContractInteraction
	} else if len(btx.Input) > 2 && btx.Input != "0x" {
		txType = models.TxContractInteraction
	}

	return models.Transaction{
		Hash:         btx.Hash,
		FromAddress:  btx.From,
		ToAddress:    btx.To,
		ValueUSD:     round2(valueUSD),
		GasPriceGwei: gasGwei,
		Timestamp:    ts,
		BlockNumber:  int64(blockNumber),
		Type:         txType,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
