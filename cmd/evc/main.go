package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evidentry/evidentry/internal/canonical"
	"github.com/evidentry/evidentry/internal/courier"
	"github.com/evidentry/evidentry/internal/hashchain"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evc",
	Short: "Evidentry ledger CLI",
	Long: `evc is the command-line interface for the Evidentry receipt ledger.

It signs and submits receipts, builds courier batches, searches the
ledger, and verifies receipt and chain integrity.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.evc")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.evc/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledger base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "caller bearer token")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(verifyChainCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	return client.New(ledgerURL, opts...)
}

// loadSigningKey reads the producer's ed25519 seed from --key-seed or
// the config file.
func loadSigningKey(seedHex string) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		seedHex = viper.GetString("key_seed")
	}
	if seedHex == "" {
		return nil, fmt.Errorf("no signing key: pass --key-seed or set key_seed in the config")
	}
	raw, err := hex.DecodeString(seedHex)
	if err != nil || len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// prepareReceipt fills derived fields and signs the record in place.
func prepareReceipt(rec *receipt.Receipt, keyID string, key ed25519.PrivateKey) error {
	if rec.ReceiptID == "" {
		rec.ReceiptID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.SignerKeyID = keyID
	rec.ChainID = receipt.DeriveChainID(rec.TenantID, rec.Plane, rec.Environment, rec.Emitter)
	rec.EventDate = receipt.DeriveEventDate(rec.Timestamp)

	content, err := canonical.EncodeContent(rec)
	if err != nil {
		return fmt.Errorf("canonical encoding: %w", err)
	}
	rec.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, content))
	return nil
}

// ── ingest ───────────────────────────────────────────────────────────────────

var (
	ingestKeySeed string
	ingestKeyID   string
	ingestSign    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <receipt.json>",
	Short: "Submit a receipt to the ledger",
	Long: `Ingest reads a receipt JSON file and submits it.

With --sign the receipt is signed locally first: the receipt id and
timestamp are filled in when missing, the chain id is derived, and the
signature is computed over the canonical content encoding:

  evc ingest --sign --key-id builds-ci --key-seed $SEED receipt.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		if ingestSign {
			key, err := loadSigningKey(ingestKeySeed)
			if err != nil {
				return err
			}
			keyID := ingestKeyID
			if keyID == "" {
				keyID = viper.GetString("key_id")
			}
			if keyID == "" {
				return fmt.Errorf("no key id: pass --key-id or set key_id in the config")
			}

			var rec receipt.Receipt
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("parse receipt: %w", err)
			}
			if err := prepareReceipt(&rec, keyID, key); err != nil {
				return err
			}
			if raw, err = json.Marshal(&rec); err != nil {
				return err
			}
		}

		result, err := newClient().IngestReceipt(context.Background(), raw)
		if err != nil {
			return fmt.Errorf("ingest receipt: %w", err)
		}

		fmt.Printf("✓ Receipt accepted\n\n")
		fmt.Printf("  ID:       %s\n", result.ReceiptID)
		fmt.Printf("  Chain:    %s\n", result.ChainID)
		fmt.Printf("  Sequence: %d\n", result.SequenceNo)
		fmt.Printf("  Hash:     %s\n", result.Hash)
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestSign, "sign", false, "Sign the receipt locally before submitting")
	ingestCmd.Flags().StringVar(&ingestKeyID, "key-id", "", "Signer key id registered with the ledger")
	ingestCmd.Flags().StringVar(&ingestKeySeed, "key-seed", "", "Hex-encoded ed25519 seed (or key_seed in config)")
}

// ── batch ────────────────────────────────────────────────────────────────────

var (
	batchKeySeed    string
	batchKeyID      string
	batchProducerID string
)

var batchCmd = &cobra.Command{
	Use:   "batch <receipt.json> [receipt.json] ...",
	Short: "Sign receipts, build a courier batch, and submit it",
	Long: `Batch signs each receipt file locally, computes the Merkle root over
their content hashes, and submits the whole set as one courier batch.
The ledger recomputes the root and rejects the batch on any mismatch:

  evc batch --producer edge-7 --key-id edge-7 --key-seed $SEED out/*.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := loadSigningKey(batchKeySeed)
		if err != nil {
			return err
		}
		keyID := batchKeyID
		if keyID == "" {
			keyID = viper.GetString("key_id")
		}
		if keyID == "" {
			return fmt.Errorf("no key id: pass --key-id or set key_id in the config")
		}

		var raws []json.RawMessage
		var leaves []string
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var rec receipt.Receipt
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
			}
			if err := prepareReceipt(&rec, keyID, key); err != nil {
				return fmt.Errorf("sign %s: %w", filepath.Base(path), err)
			}
			content, err := canonical.EncodeContent(&rec)
			if err != nil {
				return err
			}
			leaves = append(leaves, hashchain.Sum(content))

			signed, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			raws = append(raws, signed)
		}

		producerID := batchProducerID
		if producerID == "" {
			producerID = keyID
		}
		result, err := newClient().IngestBatch(context.Background(), &client.BatchRequest{
			BatchID:    uuid.New().String(),
			ProducerID: producerID,
			MerkleRoot: courier.ComputeRoot(leaves),
			BatchTime:  time.Now().UTC(),
			Receipts:   raws,
		})
		if err != nil {
			return fmt.Errorf("ingest batch: %w", err)
		}

		fmt.Printf("✓ Batch %s accepted (root %s)\n\n", result.BatchID, result.MerkleRoot)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RECEIPT\tACCEPTED\tSEQ\tERROR")
		for _, r := range result.Receipts {
			status := fmt.Sprintf("%t", r.Accepted)
			if r.Duplicate {
				status = "duplicate"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ReceiptID, status, r.SequenceNo, r.Message)
		}
		return w.Flush()
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchProducerID, "producer", "", "Producer id recorded on the batch (defaults to the key id)")
	batchCmd.Flags().StringVar(&batchKeyID, "key-id", "", "Signer key id registered with the ledger")
	batchCmd.Flags().StringVar(&batchKeySeed, "key-seed", "", "Hex-encoded ed25519 seed (or key_seed in config)")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <receipt-id>",
	Short: "Fetch a receipt by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newClient().GetReceipt(context.Background(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// ── search ───────────────────────────────────────────────────────────────────

var (
	searchTenants  string
	searchChainID  string
	searchEmitter  string
	searchDecision string
	searchCursor   string
	searchLimit    int
	searchFormat   string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search receipts with filters and cursor pagination",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.SearchRequest{
			ChainID:  searchChainID,
			Emitter:  searchEmitter,
			Decision: searchDecision,
			Cursor:   searchCursor,
			Limit:    searchLimit,
		}
		if searchTenants == "*" {
			req.Scope.AllTenants = true
		} else if searchTenants != "" {
			req.Scope.TenantIDs = strings.Split(searchTenants, ",")
		}

		page, err := newClient().Search(context.Background(), req)
		if err != nil {
			return err
		}

		if searchFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RECEIPT\tCHAIN\tSEQ\tDATE\tDECISION")
		for _, r := range page.Receipts {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				r.ReceiptID, r.ChainID, r.SequenceNo, r.Timestamp.Format("2006-01-02"), r.Decision)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if page.HasMore {
			fmt.Printf("\nmore results: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchTenants, "tenants", "", "Comma-separated tenant scope, or * for all tenants")
	searchCmd.Flags().StringVar(&searchChainID, "chain", "", "Filter by chain id")
	searchCmd.Flags().StringVar(&searchEmitter, "emitter", "", "Filter by emitter")
	searchCmd.Flags().StringVar(&searchDecision, "decision", "", "Filter by decision")
	searchCmd.Flags().StringVar(&searchCursor, "cursor", "", "Pagination cursor from a previous page")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "Page size")
	searchCmd.Flags().StringVar(&searchFormat, "format", "text", "Output format: text or json")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <receipt-id>",
	Short: "Verify a stored receipt's hash and signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().VerifyReceipt(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Receipt:   %s\n", result.ReceiptID)
		fmt.Printf("Hash:      %s\n", checkmark(result.HashValid))
		fmt.Printf("Signature: %s\n", checkmark(result.SignatureValid))
		if result.Detail != "" {
			fmt.Printf("Detail:    %s\n", result.Detail)
		}
		if !result.HashValid || !result.SignatureValid {
			return fmt.Errorf("receipt %s failed verification", args[0])
		}
		return nil
	},
}

var (
	verifyFrom int64
	verifyTo   int64
)

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain <chain-id>",
	Short: "Verify hash-chain continuity over a sequence range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().VerifyChain(context.Background(), args[0], verifyFrom, verifyTo)
		if err != nil {
			return err
		}
		fmt.Printf("Chain:   %s\n", result.ChainID)
		fmt.Printf("Range:   [%d, %d] (%d checked)\n", result.FromSeq, result.ToSeq, result.Checked)
		fmt.Printf("Valid:   %s\n", checkmark(result.Valid))
		if !result.Valid {
			fmt.Printf("Break:   seq %d — %s\n", result.OffendingSeq, result.Reason)
			return fmt.Errorf("chain %s failed verification", args[0])
		}
		return nil
	},
}

func init() {
	verifyChainCmd.Flags().Int64Var(&verifyFrom, "from", 1, "First sequence number of the range")
	verifyChainCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last sequence number of the range")
	_ = verifyChainCmd.MarkFlagRequired("to")
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCmd = &cobra.Command{
	Use:   "proof <batch-id> <receipt-id>",
	Short: "Fetch and locally check a Merkle inclusion proof",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		proof, err := newClient().GetProof(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}

		// Recompute the root from the leaf and sibling path instead of
		// trusting the server's verdict.
		path := make([]courier.ProofStep, len(proof.Siblings))
		for i, s := range proof.Siblings {
			path[i] = courier.ProofStep{Hash: s.Hash, Left: s.Left}
		}
		recomputed := courier.VerifyProof(proof.LeafHash, path)

		fmt.Printf("Batch:      %s\n", proof.BatchID)
		fmt.Printf("Receipt:    %s\n", proof.ReceiptID)
		fmt.Printf("Leaf:       %s (index %d)\n", proof.LeafHash, proof.LeafIndex)
		fmt.Printf("Root:       %s\n", proof.Root)
		fmt.Printf("Recomputed: %s\n", recomputed)
		fmt.Printf("Inclusion:  %s\n", checkmark(recomputed == proof.Root))
		if recomputed != proof.Root {
			return fmt.Errorf("proof does not recompute to the batch root")
		}
		return nil
	},
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportTenants  string
	exportFormat   string
	exportCompress bool
	exportWait     bool
	exportOut      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run a ledger export and download the artifact",
	Long: `Export starts a background export job. With --wait it polls until the
job completes and downloads the artifact:

  evc export --tenants acme --format csv --wait -o acme.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		req := &client.ExportRequest{Format: exportFormat, Compress: exportCompress}
		if exportTenants == "*" {
			req.Scope.AllTenants = true
		} else if exportTenants != "" {
			req.Scope.TenantIDs = strings.Split(exportTenants, ",")
		}

		ctx := context.Background()
		job, err := c.StartExport(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("export job %s started\n", job.ID)
		if !exportWait {
			return nil
		}

		for job.Status == "running" {
			time.Sleep(time.Second)
			if job, err = c.ExportStatus(ctx, job.ID); err != nil {
				return err
			}
		}
		if job.Status != "completed" {
			return fmt.Errorf("export %s: %s %s", job.ID, job.Status, job.Error)
		}

		out := exportOut
		if out == "" {
			out = "export-" + job.ID + "." + job.Format
			if job.Compressed {
				out += ".gz"
			}
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := c.DownloadExport(ctx, job.ID, f); err != nil {
			return err
		}
		fmt.Printf("✓ %d rows written to %s\n", job.RowCount, out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenants, "tenants", "", "Comma-separated tenant scope, or * for all tenants")
	exportCmd.Flags().StringVar(&exportFormat, "format", "ndjson", "Export format: ndjson, csv, or columnar")
	exportCmd.Flags().BoolVar(&exportCompress, "compress", false, "Gzip the artifact")
	exportCmd.Flags().BoolVar(&exportWait, "wait", false, "Poll until the job completes and download the artifact")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Output file (default export-<job>.<format>)")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evc version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evc %s\n", version)
	},
}

func checkmark(ok bool) string {
	if ok {
		return "✓ valid"
	}
	return "✗ INVALID"
}
