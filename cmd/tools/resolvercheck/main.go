package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/praxis-identity/internal/did"
	didethr "github.com/praxis/praxis-identity/internal/did/ethr"
	didkey "github.com/praxis/praxis-identity/internal/did/key"
	didweb "github.com/praxis/praxis-identity/internal/did/web"
	didwebvh "github.com/praxis/praxis-identity/internal/did/webvh"
	"github.com/praxis/praxis-identity/internal/erc1056"
	"github.com/praxis/praxis-identity/internal/network"
)

func main() {
	didFlag := flag.String("did", "", "DID to resolve (did:key, did:ethr, did:web or did:webvh)")
	networkName := flag.String("network", network.DefaultNetwork, "Network preset used for did:ethr overrides")
	rpcURL := flag.String("rpc", "", "RPC URL override for the selected network")
	registry := flag.String("registry", "", "ERC-1056 registry override for the selected network")
	allowInsecure := flag.Bool("allow-insecure", false, "Allow HTTP for did:web (development)")
	probe := flag.Bool("probe", false, "Probe the registry deployment before resolving")
	timeout := flag.Duration("timeout", 10*time.Second, "Resolution timeout")
	flag.Parse()

	if *didFlag == "" {
		fmt.Fprintln(os.Stderr, "--did flag is required")
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	netCfg := network.Resolve(*networkName, *rpcURL, *registry)
	dialer := network.NewDialer()
	defer dialer.Close()

	if *probe {
		result := network.NewProber(dialer.Reader, logger).Probe(ctx, netCfg)
		printJSON("Registry probe on "+netCfg.Name+":", result)
		netCfg = result.Apply(netCfg)
	}

	webResolver := &didweb.Resolver{AllowInsecure: *allowInsecure}
	primary := did.NewMultiResolver(
		did.WithCacheTTL(-1),
		did.WithMethod(didkey.Method, didkey.Resolver{}),
		did.WithMethod(didethr.Method, didethr.NewResolver(func(ctx context.Context, rpcURL string) (erc1056.Backend, error) {
			return dialer.Client(ctx, rpcURL)
		}, logger, netCfg)),
		did.WithMethod(didweb.Method, webResolver),
		did.WithMethod(didwebvh.Method, &didwebvh.Resolver{WebResolver: webResolver}),
	)

	res, err := did.NewFallbackResolver(primary, logger).Resolve(ctx, *didFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve error: %v\n", err)
		os.Exit(2)
	}
	printJSON(fmt.Sprintf("Resolved DID document (%s):", res.Outcome), res)

	method, _, err := did.BaseIdentifier(*didFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse identifier error: %v\n", err)
		os.Exit(4)
	}

	if method == didwebvh.Method {
		if err := printWebVHHash(ctx, *didFlag, webResolver); err != nil {
			fmt.Fprintf(os.Stderr, "webvh hash check: %v\n", err)
			os.Exit(5)
		}
	}
}

func printJSON(title string, v any) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(3)
	}
	fmt.Println(title)
	fmt.Println(string(pretty))
}

func printWebVHHash(ctx context.Context, identifier string, webResolver *didweb.Resolver) error {
	_, specific, err := did.BaseIdentifier(identifier)
	if err != nil {
		return err
	}
	cut := strings.LastIndexByte(specific, ':')
	if cut <= 0 {
		return fmt.Errorf("invalid did:webvh: %s", identifier)
	}
	baseDID := "did:web:" + specific[:cut]

	doc, raw, err := webResolver.ResolveRaw(ctx, baseDID)
	if err != nil {
		return fmt.Errorf("resolve underlying did:web: %w", err)
	}

	fmt.Println("\nWebVH pins for", baseDID)
	for _, algo := range []string{"sha256", "sha3-256"} {
		segment, err := didwebvh.ComputePin(raw, algo)
		if err != nil {
			return err
		}
		marker := " "
		if segment == specific[cut+1:] {
			marker = "*"
		}
		fmt.Printf(" %s %s\n", marker, segment)
	}
	fmt.Printf("  verification methods: %d\n", len(doc.VerificationMethod))
	return nil
}
