package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/cloakbook/pkg/app/core/envelope"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/app/intake"
	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type commonFlags struct {
	key     string
	nonce   uint64
	chainID int64
	submit  string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "trader private key hex (generated when empty)")
	cmd.Flags().Uint64Var(&f.nonce, "nonce", 1, "envelope nonce")
	cmd.Flags().Int64Var(&f.chainID, "chain-id", crypto.DefaultDomain().ChainID.Int64(), "EIP-712 domain chain id")
	cmd.Flags().StringVar(&f.submit, "submit", "", "node API base URL, e.g. http://localhost:8080")
}

func (f *commonFlags) signer(out io.Writer) (*crypto.Signer, error) {
	if f.key != "" {
		return crypto.FromPrivateKeyHex(f.key)
	}
	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "generated key %s (address %s)\n", s.PrivateKeyHex(), s.Address().Hex())
	return s, nil
}

func (f *commonFlags) domain() crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID.SetInt64(f.chainID)
	return d
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "seal-order",
		Short:        "Build sealed order and cancel envelopes for a cloakbook node",
		SilenceUsage: true,
	}
	root.AddCommand(newOrderCmd(), newCancelCmd(), newKeygenCmd())
	return root
}

func newOrderCmd() *cobra.Command {
	var (
		cf       commonFlags
		sealTo   string
		venueID  string
		side     string
		price    int64
		amount   int64
		locked   int64
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Seal an order payload and sign the envelope",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			pub, err := crypto.ParsePublicKeyHex(sealTo)
			if err != nil {
				return fmt.Errorf("--seal-to: %w", err)
			}
			d := orderbook.DecryptedOrder{Price: price, Amount: amount, LockedAmount: locked}
			switch strings.ToLower(side) {
			case "buy":
				d.Side = orderbook.Buy
				if d.LockedAmount == 0 {
					d.LockedAmount = price * amount
				}
			case "sell":
				d.Side = orderbook.Sell
				if d.LockedAmount == 0 {
					d.LockedAmount = amount
				}
			default:
				return fmt.Errorf("--side must be buy or sell")
			}

			signer, err := cf.signer(out)
			if err != nil {
				return err
			}
			var dl int64
			if deadline > 0 {
				dl = time.Now().Add(deadline).Unix()
			}
			env, commitment, err := intake.SealOrder(signer, cf.domain(), pub, venueID, d, cf.nonce, dl)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "commitment %s\n", commitment.Hex())
			return emit(out, env, cf.submit, "/api/v1/orders")
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&sealTo, "seal-to", "", "node sealing public key hex (GET /api/v1/sealing-key)")
	cmd.Flags().StringVar(&venueID, "venue", "venue-1", "venue id")
	cmd.Flags().StringVar(&side, "side", "sell", "buy or sell")
	cmd.Flags().Int64Var(&price, "price", 0, "limit price, quote minor units per base unit")
	cmd.Flags().Int64Var(&amount, "amount", 0, "base units")
	cmd.Flags().Int64Var(&locked, "locked", 0, "escrowed collateral (default: amount for sells, price*amount for buys)")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "envelope lifetime, 0 = no expiry")
	_ = cmd.MarkFlagRequired("seal-to")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var (
		cf         commonFlags
		commitment string
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Sign a cancel for a commitment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			c, err := envelope.NormalizeCommitment(commitment)
			if err != nil {
				return err
			}
			signer, err := cf.signer(out)
			if err != nil {
				return err
			}
			env, err := envelope.NewCancel(signer, cf.domain(), common.HexToHash(c), cf.nonce)
			if err != nil {
				return err
			}
			return emit(out, env, cf.submit, "/api/v1/orders/cancel")
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&commitment, "commitment", "", "0x-prefixed order commitment")
	_ = cmd.MarkFlagRequired("commitment")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a sealing key pair for a devnet node (SEALING_KEY)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := crypto.GenerateSealingKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private %s\npublic  %s\n", k.PrivateKeyHex(), k.PublicKeyHex())
			return nil
		},
	}
}

// emit prints the envelope and, when base is set, posts it to the node.
func emit(out io.Writer, env *envelope.Envelope, base, path string) error {
	raw, err := env.Serialize()
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(out, pretty.String())
	if base == "" {
		return nil
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(out, "%s %s\n", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("node rejected envelope: %s", resp.Status)
	}
	return nil
}
