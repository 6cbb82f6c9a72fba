// Command client manages a local encrypted keystore, builds and signs
// operations, and submits them to a running node over the node's client
// gateway (--ip, --public-port, --private-port, --wallet, --json). The
// wallet file is a PBKDF2/AES-256-GCM keystore holding exactly one KeyPair per
// wallet file here, not a derivation tree.
package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/pbkdf2"

	"github.com/synnergy-network/corenode/core"
)

const (
	gatewayTagSubmitOperation byte = 1
	gatewayRespOK             byte = 0
	gatewayRespErr            byte = 1

	adminTagStopNode byte = 1
	adminTagBan      byte = 2
	adminTagUnban    byte = 3
)

var (
	ip          string
	publicPort  int
	privatePort int
	walletPath  string
	jsonOut     bool
)

type keystore struct {
	Priv   string `json:"priv"`
	Salt   string `json:"salt"`
	Nonce  string `json:"nonce"`
	Cipher string `json:"cipher"`
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, 150_000, 32, sha256.New)
}

func encryptPriv(raw []byte, password string) (*keystore, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	cipherText := gcm.Seal(nil, nonce, raw, nil)
	return &keystore{Salt: hex.EncodeToString(salt), Nonce: hex.EncodeToString(nonce), Cipher: hex.EncodeToString(cipherText)}, nil
}

func decryptPriv(ks *keystore, password string) ([]byte, error) {
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, err
	}
	cipherText, err := hex.DecodeString(ks.Cipher)
	if err != nil {
		return nil, err
	}
	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, cipherText, nil)
}

func loadKeyPair(path, password string) (*core.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystore
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, err
	}
	privRaw, err := decryptPriv(&ks, password)
	if err != nil {
		return nil, fmt.Errorf("wrong password or corrupt wallet: %w", err)
	}
	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(privRaw)
	if err != nil {
		return nil, err
	}
	return &core.KeyPair{Priv: priv, Pub: priv.GetPublic()}, nil
}

func printResult(ok bool, payload interface{}) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(map[string]interface{}{"ok": ok, "result": payload})
	}
	if ok {
		fmt.Println(payload)
	} else {
		fmt.Fprintln(os.Stderr, payload)
	}
	return nil
}

func gatewayRoundTrip(addr string, tag byte, payload []byte) (byte, []byte, error) {
	dialer := core.NewDialer(5*time.Second, 30*time.Second)
	conn, err := dialer.Dial(context.Background(), addr)
	if err != nil {
		return 0, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if err := core.WriteFrame(conn, tag, payload); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}
	respTag, respPayload, err := core.ReadFrame(conn)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return respTag, respPayload, nil
}

func main() {
	root := &cobra.Command{Use: "client", Short: "submit operations and administer a Synnergy core node"}
	root.PersistentFlags().StringVar(&ip, "ip", "127.0.0.1", "node address")
	root.PersistentFlags().IntVar(&publicPort, "public-port", 9100, "node operation-submission port")
	root.PersistentFlags().IntVar(&privatePort, "private-port", 9101, "node admin port")
	root.PersistentFlags().StringVar(&walletPath, "wallet", "", "wallet keystore file")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit JSON results")

	root.AddCommand(walletCmd(), txCmd(), rollCmd(), adminCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "manage the local signing keystore"}

	var createPwd, createOut string
	create := &cobra.Command{
		Use:   "create",
		Short: "generate a fresh keypair and save it, encrypted, to a keystore file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if createPwd == "" {
				return fmt.Errorf("--password is required")
			}
			kp, err := core.GenerateKeyPair()
			if err != nil {
				return err
			}
			rawPriv, err := kp.Priv.Raw()
			if err != nil {
				return err
			}
			ks, err := encryptPriv(rawPriv, createPwd)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(ks, "", "  ")
			if err != nil {
				return err
			}
			if createOut == "" {
				return fmt.Errorf("--out is required")
			}
			if err := os.WriteFile(createOut, data, 0o600); err != nil {
				return err
			}
			pub, err := kp.PublicKeyBytes()
			if err != nil {
				return err
			}
			return printResult(true, fmt.Sprintf("wallet saved to %s, address %s", createOut, core.NewAddressFromPublicKey(pub).String()))
		},
	}
	create.Flags().StringVar(&createPwd, "password", "", "encryption password")
	create.Flags().StringVar(&createOut, "out", "", "output keystore path")

	var addrPwd string
	address := &cobra.Command{
		Use:   "address",
		Short: "print the address for a keystore file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if walletPath == "" {
				return fmt.Errorf("--wallet is required")
			}
			kp, err := loadKeyPair(walletPath, addrPwd)
			if err != nil {
				return err
			}
			pub, err := kp.PublicKeyBytes()
			if err != nil {
				return err
			}
			return printResult(true, core.NewAddressFromPublicKey(pub).String())
		},
	}
	address.Flags().StringVar(&addrPwd, "password", "", "keystore password")

	cmd.AddCommand(create, address)
	return cmd
}

func signAndSubmit(kp *core.KeyPair, fee uint64, expirePeriod uint64, payload core.OperationPayload) error {
	pub, err := kp.PublicKeyBytes()
	if err != nil {
		return err
	}
	op := &core.Operation{
		Fee:             core.NewAmount(fee),
		SenderPublicKey: pub,
		ExpirePeriod:    expirePeriod,
		Payload:         payload,
	}
	if err := core.SignOperation(kp, op); err != nil {
		return fmt.Errorf("sign operation: %w", err)
	}
	raw, err := op.EncodeRLP()
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", ip, publicPort)
	respTag, respPayload, err := gatewayRoundTrip(addr, gatewayTagSubmitOperation, raw)
	if err != nil {
		return err
	}
	if respTag != gatewayRespOK {
		return printResult(false, string(respPayload))
	}
	return printResult(true, fmt.Sprintf("accepted, operation id %x", respPayload))
}

func txCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tx", Short: "build and submit a transaction operation"}

	var pwd string
	var fee, expire, amount uint64
	var recipient string
	send := &cobra.Command{
		Use:   "send",
		Short: "send amount to recipient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if walletPath == "" || recipient == "" {
				return fmt.Errorf("--wallet and --recipient are required")
			}
			kp, err := loadKeyPair(walletPath, pwd)
			if err != nil {
				return err
			}
			addr, err := core.ParseAddress(recipient)
			if err != nil {
				return fmt.Errorf("parse recipient: %w", err)
			}
			return signAndSubmit(kp, fee, expire, &core.TransactionPayload{Recipient: addr, Amount: core.NewAmount(amount)})
		},
	}
	send.Flags().StringVar(&pwd, "password", "", "keystore password")
	send.Flags().Uint64Var(&fee, "fee", 0, "operation fee")
	send.Flags().Uint64Var(&expire, "expire-period", 0, "expiry period")
	send.Flags().Uint64Var(&amount, "amount", 0, "amount to send")
	send.Flags().StringVar(&recipient, "recipient", "", "recipient address")

	cmd.AddCommand(send)
	return cmd
}

func rollCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "roll", Short: "buy or sell rolls"}

	var pwd string
	var fee, expire, count uint64

	buy := &cobra.Command{
		Use:   "buy",
		Short: "buy count rolls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if walletPath == "" {
				return fmt.Errorf("--wallet is required")
			}
			kp, err := loadKeyPair(walletPath, pwd)
			if err != nil {
				return err
			}
			return signAndSubmit(kp, fee, expire, &core.RollBuyPayload{RollCount: count})
		},
	}
	sell := &cobra.Command{
		Use:   "sell",
		Short: "sell count rolls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if walletPath == "" {
				return fmt.Errorf("--wallet is required")
			}
			kp, err := loadKeyPair(walletPath, pwd)
			if err != nil {
				return err
			}
			return signAndSubmit(kp, fee, expire, &core.RollSellPayload{RollCount: count})
		},
	}
	for _, c := range []*cobra.Command{buy, sell} {
		c.Flags().StringVar(&pwd, "password", "", "keystore password")
		c.Flags().Uint64Var(&fee, "fee", 0, "operation fee")
		c.Flags().Uint64Var(&expire, "expire-period", 0, "expiry period")
		c.Flags().Uint64Var(&count, "count", 0, "roll count")
	}
	cmd.AddCommand(buy, sell)
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "administer a running node"}

	adminAddr := func() string { return fmt.Sprintf("%s:%d", ip, privatePort) }

	stop := &cobra.Command{
		Use: "stop-node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, err := gatewayRoundTrip(adminAddr(), adminTagStopNode, nil)
			if err != nil {
				return err
			}
			return printResult(true, "stop requested")
		},
	}

	var peerID string
	ban := &cobra.Command{
		Use: "ban",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if peerID == "" {
				return fmt.Errorf("--peer is required")
			}
			_, _, err := gatewayRoundTrip(adminAddr(), adminTagBan, []byte(peerID))
			if err != nil {
				return err
			}
			return printResult(true, fmt.Sprintf("banned %s", peerID))
		},
	}
	ban.Flags().StringVar(&peerID, "peer", "", "peer id to ban")

	unban := &cobra.Command{
		Use: "unban",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if peerID == "" {
				return fmt.Errorf("--peer is required")
			}
			_, _, err := gatewayRoundTrip(adminAddr(), adminTagUnban, []byte(peerID))
			if err != nil {
				return err
			}
			return printResult(true, fmt.Sprintf("unbanned %s", peerID))
		},
	}
	unban.Flags().StringVar(&peerID, "peer", "", "peer id to unban")

	cmd.AddCommand(stop, ban, unban)
	return cmd
}
