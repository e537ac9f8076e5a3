// Command facilitatord runs the deferred-settlement facilitator as a
// standalone HTTP service, wiring config, a Signer, and the HTTP boundary
// together the way the teacher's e2e Gin server wires its own middleware
// and http.Server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/x402-foundation/settlement-facilitator"
	"github.com/x402-foundation/settlement-facilitator/config"
	"github.com/x402-foundation/settlement-facilitator/httpapi"
	"github.com/x402-foundation/settlement-facilitator/settlement"
	"github.com/x402-foundation/settlement-facilitator/signer"
)

func main() {
	cfg := config.Load()

	sign, description := buildSigner(cfg)
	fmt.Printf("Signer: %s\n", description)

	f := facilitator.New(cfg, sign)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	router := httpapi.NewRouter(f)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("Received shutdown signal, draining connections...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Facilitator listening on %s (auto-settlement=%v)\n", cfg.ListenAddr, cfg.AutoSettlement)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Printf("server error: %v\n", err)
		os.Exit(1)
	}
}

// buildSigner picks a Solana on-chain signer when SOLANA_RPC_URL, USDC_MINT
// and SOLANA_PRIVATE_KEY are all configured, falling back to an in-memory
// mock signer otherwise so the service is runnable without live credentials.
func buildSigner(cfg *config.Config) (settlement.Signer, string) {
	privateKey := os.Getenv("SOLANA_PRIVATE_KEY")
	if cfg.SolanaRPCURL != "" && cfg.USDCMint != "" && privateKey != "" {
		sol, err := signer.NewSolana(cfg.SolanaRPCURL, cfg.USDCMint, privateKey)
		if err == nil {
			return sol, "solana (" + cfg.SolanaRPCURL + ")"
		}
		fmt.Printf("falling back to mock signer: %v\n", err)
	}
	return signer.NewMock("devnet_sim_"), "mock"
}
