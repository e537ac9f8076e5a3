package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	solana "github.com/gagliardetto/solana-go"
)

// splTokenProgramID is the canonical SPL Token program address.
var splTokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

// Solana dispatches settlement transfers as SPL token transfers, signed
// with a configured fee-payer/source private key and submitted to an RPC
// endpoint. Transaction construction and signing follow the same pattern
// as the agent-side ClientSigner: marshal the message, sign with Ed25519,
// and place the signature at the signer's account index.
type Solana struct {
	rpcURL     string
	mint       solana.PublicKey
	privateKey solana.PrivateKey
	httpClient *http.Client
}

// SolanaOption configures a Solana signer.
type SolanaOption func(*Solana)

// WithHTTPClient overrides the default RPC http.Client.
func WithHTTPClient(c *http.Client) SolanaOption {
	return func(s *Solana) { s.httpClient = c }
}

// NewSolana creates a Solana signer from a base58-encoded private key, an
// RPC endpoint, and the mint address of the token being settled (e.g. the
// configured USDC mint).
func NewSolana(rpcURL, mintBase58, privateKeyBase58 string, opts ...SolanaOption) (*Solana, error) {
	mint, err := solana.PublicKeyFromBase58(mintBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}
	pk, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	s := &Solana{
		rpcURL:     rpcURL,
		mint:       mint,
		privateKey: pk,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Transfer implements settlement.Signer. sender is used as the source token
// account as given; recipient is the merchant's wallet address, and the
// transfer goes to its associated token account for the configured mint.
// asset is not read: one Solana signer always transfers its configured mint.
func (s *Solana) Transfer(ctx context.Context, sender, recipient, asset string, minorUnits *big.Int) (string, error) {
	senderATA, err := solana.PublicKeyFromBase58(sender)
	if err != nil {
		return "", fmt.Errorf("invalid sender address: %w", err)
	}
	recipientOwner, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipientOwner, s.mint)
	if err != nil {
		return "", fmt.Errorf("derive recipient token account: %w", err)
	}
	if !minorUnits.IsUint64() {
		return "", fmt.Errorf("amount overflows uint64 minor units")
	}

	blockhash, err := s.latestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch latest blockhash: %w", err)
	}

	ix := solana.NewInstruction(
		splTokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(senderATA, true, false),
			solana.NewAccountMeta(recipientATA, true, false),
			solana.NewAccountMeta(s.privateKey.PublicKey(), false, true),
		},
		buildTransferInstructionData(minorUnits.Uint64()),
	)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash,
		solana.TransactionPayer(s.privateKey.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	signature, err := s.privateKey.Sign(messageBytes)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	accountIndex, err := tx.GetAccountIndex(s.privateKey.PublicKey())
	if err != nil {
		return "", fmt.Errorf("resolve account index: %w", err)
	}
	if len(tx.Signatures) <= int(accountIndex) {
		padded := make([]solana.Signature, accountIndex+1)
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}
	tx.Signatures[accountIndex] = signature

	return s.sendTransaction(ctx, tx)
}

// buildTransferInstructionData encodes an SPL Token "Transfer" instruction
// (tag 3) followed by the little-endian u64 amount.
func buildTransferInstructionData(amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = 3
	for i := 0; i < 8; i++ {
		data[1+i] = byte(amount >> (8 * i))
	}
	return data
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Solana) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func (s *Solana) latestBlockhash(ctx context.Context) (solana.Hash, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := s.call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return solana.Hash{}, err
	}
	return solana.HashFromBase58(result.Value.Blockhash)
}

func (s *Solana) sendTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	var signature string
	err = s.call(ctx, "sendTransaction", []interface{}{
		encoded,
		map[string]string{"encoding": "base64"},
	}, &signature)
	if err != nil {
		return "", err
	}
	return signature, nil
}
