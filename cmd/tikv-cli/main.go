package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Shylock-Hg/tikv/pkg/api"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "kv":
		kvCmd(os.Args[2:])
	case "pd":
		pdCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tikv-cli

Usage:
  tikv-cli kv put     --addr <host:port> --key <k> --value <v>
  tikv-cli kv get     --addr <host:port> --key <k> [--consistency lease|index|stale]
  tikv-cli kv delete  --addr <host:port> --key <k>
  tikv-cli kv regions --addr <host:port>
  tikv-cli pd region  --addr <host:port> --key <k>
`)
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func kvCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "put":
		kvPut(args[1:])
	case "get":
		kvGet(args[1:])
	case "delete":
		kvDelete(args[1:])
	case "regions":
		kvRegions(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func regionError(re *api.RegionError) {
	if re == nil {
		return
	}
	if re.NotLeader {
		fail("not leader: %s (leader hint peer %d)", re.Message, re.LeaderHint)
	}
	if re.StaleEpoch && re.Current != nil {
		fail("stale epoch: %s (current %d/%d)", re.Message,
			re.Current.Epoch.Version, re.Current.Epoch.ConfVersion)
	}
	fail("region error: %s", re.Message)
}

func kvPut(args []string) {
	fs := flag.NewFlagSet("kv put", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:20160", "store gRPC address")
	key := fs.String("key", "", "key")
	value := fs.String("value", "", "value")
	_ = fs.Parse(args)
	if *key == "" {
		fail("--key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(*addr)
	if err != nil {
		fail("dial: %v", err)
	}
	defer conn.Close()

	resp, err := api.NewKVClient(conn).Put(ctx, &api.PutRequest{Key: []byte(*key), Value: []byte(*value)})
	if err != nil {
		fail("put: %v", err)
	}
	regionError(resp.RegionError)
	fmt.Println("OK")
}

func kvGet(args []string) {
	fs := flag.NewFlagSet("kv get", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:20160", "store gRPC address")
	key := fs.String("key", "", "key")
	consistency := fs.String("consistency", "lease", "lease, index or stale")
	_ = fs.Parse(args)
	if *key == "" {
		fail("--key is required")
	}
	var mode api.ReadConsistency
	switch *consistency {
	case "lease":
		mode = api.ReadConsistencyLease
	case "index":
		mode = api.ReadConsistencyIndex
	case "stale":
		mode = api.ReadConsistencyStale
	default:
		fail("unknown consistency %q", *consistency)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(*addr)
	if err != nil {
		fail("dial: %v", err)
	}
	defer conn.Close()

	resp, err := api.NewKVClient(conn).Get(ctx, &api.GetRequest{Key: []byte(*key), Consistency: mode})
	if err != nil {
		fail("get: %v", err)
	}
	regionError(resp.RegionError)
	if !resp.Found {
		fmt.Println("(not found)")
		return
	}
	fmt.Printf("%s\n", resp.Value)
}

func kvDelete(args []string) {
	fs := flag.NewFlagSet("kv delete", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:20160", "store gRPC address")
	key := fs.String("key", "", "key")
	_ = fs.Parse(args)
	if *key == "" {
		fail("--key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(*addr)
	if err != nil {
		fail("dial: %v", err)
	}
	defer conn.Close()

	resp, err := api.NewKVClient(conn).Delete(ctx, &api.DeleteRequest{Key: []byte(*key)})
	if err != nil {
		fail("delete: %v", err)
	}
	regionError(resp.RegionError)
	fmt.Println("OK")
}

func kvRegions(args []string) {
	fs := flag.NewFlagSet("kv regions", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:20160", "store gRPC address")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(*addr)
	if err != nil {
		fail("dial: %v", err)
	}
	defer conn.Close()

	resp, err := api.NewKVClient(conn).Regions(ctx, &api.RegionsRequest{})
	if err != nil {
		fail("regions: %v", err)
	}
	for _, r := range resp.Regions {
		printRegion(r)
	}
}

func pdCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "region":
		pdRegion(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func pdRegion(args []string) {
	fs := flag.NewFlagSet("pd region", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:2379", "placement service address")
	key := fs.String("key", "", "key")
	_ = fs.Parse(args)
	if *key == "" {
		fail("--key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(*addr)
	if err != nil {
		fail("dial: %v", err)
	}
	defer conn.Close()

	resp, err := api.NewPDClient(conn).GetRegion(ctx, &api.GetRegionRequest{Key: []byte(*key)})
	if err != nil {
		fail("get region: %v", err)
	}
	if resp.Region == nil {
		fmt.Println("(no region)")
		return
	}
	printRegion(resp.Region)
}

func printRegion(r *api.Region) {
	fmt.Printf("region=%d range=[%q, %q) epoch=%d/%d leader=%d peers=",
		r.ID, r.StartKey, r.EndKey, r.Epoch.Version, r.Epoch.ConfVersion, r.Leader)
	for i, p := range r.Peers {
		if i > 0 {
			fmt.Print(",")
		}
		fmt.Printf("%d@store%d", p.ID, p.StoreID)
	}
	fmt.Println()
}
