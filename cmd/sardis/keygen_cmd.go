package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/crypto"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
)

type keyOutput struct {
	Type       string `json:"type"`
	KeyID      string `json:"key_id,omitempty"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key,omitempty"`
	Address    string `json:"address,omitempty"`
}

// runKeygenCmd generates an Ed25519 mandate signing key or a secp256k1
// settlement key. The private half is printed once and never stored.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		keyType string
		keyID   string
	)
	cmd.StringVar(&keyType, "type", "mandate", "Key type: mandate (ed25519) or settlement (secp256k1)")
	cmd.StringVar(&keyID, "key-id", "key-1", "Key ID for mandate keys")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	switch keyType {
	case "mandate":
		signer, err := crypto.NewEd25519Signer(keyID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSON(stdout, keyOutput{Type: "ed25519", KeyID: signer.KeyID(), PrivateKey: signer.Seed(), PublicKey: signer.PublicKey()})
	case "settlement":
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSON(stdout, keyOutput{
			Type:       "secp256k1",
			PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(key)),
			Address:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		})
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown key type %q\n", keyType)
		return 2
	}
	return 0
}

// runTokenCmd issues an operator token signed with SARDIS_OPERATOR_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		operator string
		scopes   string
		ttl      time.Duration
	)
	cmd.StringVar(&operator, "operator", "", "Operator ID (REQUIRED)")
	cmd.StringVar(&scopes, "scopes", identity.ScopeApprovalReview, "Comma-separated scopes")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	secret := os.Getenv("SARDIS_OPERATOR_SECRET")
	if operator == "" || secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --operator and SARDIS_OPERATOR_SECRET are required")
		return 2
	}

	ks, err := identity.NewHMACKeySet([]byte(secret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var granted []string
	for _, s := range strings.Split(scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted = append(granted, s)
		}
	}
	token, err := identity.NewTokenManager(ks).GenerateToken(&identity.OperatorIdentity{OperatorID: operator, Scopes: granted}, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	url := cmd.String("url", "http://localhost:"+port+"/ready", "Readiness URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n%s", resp.StatusCode, body)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK\n%s", body)
	return 0
}
