package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"assetmarket/explorer"
	"assetmarket/observability/logging"
)

// accountTotals aggregates the audited flows for one address.
type accountTotals struct {
	Account string
	Earned  *big.Int
	Claimed *big.Int
}

func main() {
	dsn := flag.String("db", "explorer.db", "Explorer database DSN (SQLite path or postgres:// URL)")
	outDir := flag.String("out", "./audit", "Directory receiving the report files")
	flag.Parse()

	logger := logging.Setup("market-audit", os.Getenv("MARKET_AUDIT_ENV"))

	db, err := explorer.Open(*dsn)
	if err != nil {
		logger.Error("open explorer database", "error", err.Error())
		os.Exit(1)
	}
	// Migrates the schema when pointed at a fresh database so the queries
	// below never fail on missing tables.
	if _, err := explorer.NewIndexer(db); err != nil {
		logger.Error("prepare schema", "error", err.Error())
		os.Exit(1)
	}

	var settlements []explorer.SettlementRecord
	if err := db.Order("sequence").Find(&settlements).Error; err != nil {
		logger.Error("load settlements", "error", err.Error())
		os.Exit(1)
	}
	var claims []explorer.ClaimRecord
	if err := db.Order("sequence").Find(&claims).Error; err != nil {
		logger.Error("load claims", "error", err.Error())
		os.Exit(1)
	}

	totals, totalEarned, totalClaimed, err := aggregate(settlements, claims)
	if err != nil {
		logger.Error("aggregate flows", "error", err.Error())
		os.Exit(1)
	}
	outstanding := new(big.Int).Sub(totalEarned, totalClaimed)

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Error("ensure output dir", "error", err.Error())
		os.Exit(1)
	}
	csvPath := filepath.Join(*outDir, "conservation.csv")
	if err := writeCSVReport(csvPath, totals); err != nil {
		logger.Error("write csv report", "error", err.Error())
		os.Exit(1)
	}
	parquetPath := filepath.Join(*outDir, "settlements.parquet")
	if err := writeSettlementsParquet(parquetPath, settlements); err != nil {
		logger.Error("write parquet report", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("audit complete",
		"settlements", len(settlements),
		"claims", len(claims),
		"totalEarned", totalEarned.String(),
		"totalClaimed", totalClaimed.String(),
		"outstanding", outstanding.String(),
		"csv", csvPath,
		"parquet", parquetPath,
	)
	if outstanding.Sign() < 0 {
		logger.Error("conservation violated: claims exceed settlements")
		os.Exit(2)
	}
}

// aggregate folds settlement proceeds and claim payouts per account. Earned
// must always be at least claimed; the outstanding difference is what the
// node still holds in its fund ledger.
func aggregate(settlements []explorer.SettlementRecord, claims []explorer.ClaimRecord) ([]accountTotals, *big.Int, *big.Int, error) {
	perAccount := make(map[string]*accountTotals)
	lookup := func(account string) *accountTotals {
		entry, ok := perAccount[account]
		if !ok {
			entry = &accountTotals{Account: account, Earned: big.NewInt(0), Claimed: big.NewInt(0)}
			perAccount[account] = entry
		}
		return entry
	}

	totalEarned := big.NewInt(0)
	totalClaimed := big.NewInt(0)
	for _, settlement := range settlements {
		amount, ok := new(big.Int).SetString(settlement.Paid, 10)
		if !ok {
			return nil, nil, nil, fmt.Errorf("settlement %d: invalid paid amount %q", settlement.Sequence, settlement.Paid)
		}
		entry := lookup(settlement.Seller)
		entry.Earned.Add(entry.Earned, amount)
		totalEarned.Add(totalEarned, amount)
	}
	for _, claim := range claims {
		amount, ok := new(big.Int).SetString(claim.Amount, 10)
		if !ok {
			return nil, nil, nil, fmt.Errorf("claim %d: invalid amount %q", claim.Sequence, claim.Amount)
		}
		entry := lookup(claim.Account)
		entry.Claimed.Add(entry.Claimed, amount)
		totalClaimed.Add(totalClaimed, amount)
	}

	out := make([]accountTotals, 0, len(perAccount))
	for _, entry := range perAccount {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, totalEarned, totalClaimed, nil
}

func writeCSVReport(path string, totals []accountTotals) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"account", "earned", "claimed", "outstanding"}); err != nil {
		return err
	}
	for _, entry := range totals {
		outstanding := new(big.Int).Sub(entry.Earned, entry.Claimed)
		record := []string{entry.Account, entry.Earned.String(), entry.Claimed.String(), outstanding.String()}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type settlementParquetRow struct {
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	OfferID   int64  `parquet:"name=offer_id, type=INT64"`
	AssetID   int64  `parquet:"name=asset_id, type=INT64"`
	Seller    string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer     string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Paid      string `parquet:"name=paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeSettlementsParquet(path string, settlements []explorer.SettlementRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, settlement := range settlements {
		row := &settlementParquetRow{
			Sequence:  int64(settlement.Sequence),
			OfferID:   int64(settlement.OfferID),
			AssetID:   int64(settlement.AssetID),
			Seller:    settlement.Seller,
			Buyer:     settlement.Buyer,
			Paid:      settlement.Paid,
			CreatedAt: settlement.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	return file.Close()
}
