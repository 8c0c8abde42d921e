package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pdgrpc "nyxkv/internal/pd/grpc"
	"nyxkv/pkg/api"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultAddr = "127.0.0.1:20160"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "push":
		pushCmd(os.Args[2:])
	case "region":
		regionCmd(os.Args[2:])
	case "debug":
		debugCmd(os.Args[2:])
	case "pd":
		pdCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `NyxKV control

Usage:
  nyxkv-ctl push             --addr <host:port> --file <commands.json>
  nyxkv-ctl region add       --addr <host:port> --id <region> [--start <k>] [--end <k>] [--peers id@store@host:port,...]
  nyxkv-ctl region change    --addr <host:port> --id <region> --peers id@store@host:port,...
  nyxkv-ctl region destroy   --addr <host:port> --id <region>
  nyxkv-ctl region snapshot  --addr <host:port> --id <region>
  nyxkv-ctl region transfer  --addr <host:port> --id <region> --peer id@store@host:port
  nyxkv-ctl debug cmds       --addr <host:port> [--region <id>] [--status NONE|DONE|FAIL]
  nyxkv-ctl debug executors  --addr <host:port>
  nyxkv-ctl debug regions    --addr <host:port>
  nyxkv-ctl pd stores        --addr <host:port>
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func dial(addr string) (*api.Client, func()) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fatalf("dial %s: %v", addr, err)
	}
	return api.NewClient(conn), func() { _ = conn.Close() }
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func printStoreResponse(resp *api.StoreResponse) {
	if resp.Error != nil {
		fatalf("command %d rejected: %s: %s", resp.CommandID, resp.Error.Name, resp.Error.Message)
	}
	fmt.Printf("OK command=%d\n", resp.CommandID)
}

// parsePeer reads "id@store@address"; the address part is optional.
func parsePeer(s string) (api.Peer, error) {
	parts := strings.SplitN(s, "@", 3)
	if len(parts) < 2 {
		return api.Peer{}, fmt.Errorf("peer %q: want id@store[@address]", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return api.Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	store, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return api.Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	p := api.Peer{ID: id, StoreID: store}
	if len(parts) == 3 {
		p.Address = parts[2]
	}
	return p, nil
}

func parsePeers(s string) ([]api.Peer, error) {
	if s == "" {
		return nil, nil
	}
	var peers []api.Peer
	for _, item := range strings.Split(s, ",") {
		p, err := parsePeer(strings.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func pushCmd(args []string) {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "store gRPC address")
	file := fs.String("file", "", "JSON file holding a PushRegionCmdsRequest")
	_ = fs.Parse(args)
	if *file == "" {
		fatalf("--file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fatalf("read %s: %v", *file, err)
	}
	var req api.PushRegionCmdsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		fatalf("decode %s: %v", *file, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, closeFn := dial(*addr)
	defer closeFn()

	resp, err := client.PushRegionCmds(ctx, &req)
	if err != nil {
		fatalf("push error: %v", err)
	}
	printJSON(resp)
}

func regionCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	fs := flag.NewFlagSet("region "+args[0], flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "store gRPC address")
	id := fs.Uint64("id", 0, "region id")
	start := fs.String("start", "", "start key")
	end := fs.String("end", "", "end key (empty is unbounded)")
	peersFlag := fs.String("peers", "", "peers as id@store@host:port, comma separated")
	peerFlag := fs.String("peer", "", "target peer as id@store@host:port")
	_ = fs.Parse(args[1:])
	if *id == 0 {
		fatalf("--id is required")
	}
	peers, err := parsePeers(*peersFlag)
	if err != nil {
		fatalf("%v", err)
	}
	def := &api.RegionDefinition{ID: *id, StartKey: []byte(*start), EndKey: []byte(*end), Peers: peers}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, closeFn := dial(*addr)
	defer closeFn()

	var resp *api.StoreResponse
	switch args[0] {
	case "add":
		resp, err = client.AddRegion(ctx, &api.AddRegionRequest{Definition: def})
	case "change":
		resp, err = client.ChangeRegion(ctx, &api.ChangeRegionRequest{Definition: def})
	case "destroy":
		resp, err = client.DestroyRegion(ctx, &api.DestroyRegionRequest{RegionID: *id})
	case "snapshot":
		resp, err = client.Snapshot(ctx, &api.SnapshotRequest{RegionID: *id})
	case "transfer":
		target, perr := parsePeer(*peerFlag)
		if perr != nil {
			fatalf("%v", perr)
		}
		resp, err = client.TransferLeader(ctx, &api.TransferLeaderRequest{RegionID: *id, Peer: &target})
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("region %s error: %v", args[0], err)
	}
	printStoreResponse(resp)
}

func debugCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	fs := flag.NewFlagSet("debug "+args[0], flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "store gRPC address")
	regionID := fs.Uint64("region", 0, "region id filter")
	status := fs.String("status", "", "status filter")
	_ = fs.Parse(args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, closeFn := dial(*addr)
	defer closeFn()

	switch args[0] {
	case "cmds":
		resp, err := client.ListRegionCmds(ctx, &api.ListRegionCmdsRequest{RegionID: *regionID, Status: *status})
		if err != nil {
			fatalf("list commands error: %v", err)
		}
		for _, c := range resp.Commands {
			fmt.Printf("id=%d region=%d type=%s status=%s notify=%t created=%s\n",
				c.ID, c.RegionID, c.Type, c.Status, c.Notify, time.Unix(0, c.CreatedAt).Format(time.RFC3339Nano))
		}
	case "executors":
		resp, err := client.ListExecutors(ctx, &api.ListExecutorsRequest{})
		if err != nil {
			fatalf("list executors error: %v", err)
		}
		for _, e := range resp.Executors {
			fmt.Printf("region=%d pending=%d\n", e.RegionID, e.Pending)
		}
	case "regions":
		resp, err := client.ListRegions(ctx, &api.ListRegionsRequest{})
		if err != nil {
			fatalf("list regions error: %v", err)
		}
		for _, r := range resp.Regions {
			fmt.Printf("region=%d range=[%q, %q) state=%s leader=%d\n", r.ID, r.StartKey, r.EndKey, r.State, r.Leader)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func pdCmd(args []string) {
	if len(args) < 1 || args[0] != "stores" {
		usage()
		os.Exit(1)
	}
	fs := flag.NewFlagSet("pd stores", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:18080", "PD gRPC address")
	_ = fs.Parse(args[1:])

	client, err := pdgrpc.NewClient(*addr)
	if err != nil {
		fatalf("dial %s: %v", *addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stores, err := client.Stores(ctx)
	if err != nil {
		fatalf("list stores error: %v", err)
	}
	if len(stores) == 0 {
		fmt.Println("(no stores)")
		return
	}
	for _, st := range stores {
		fmt.Printf("store=%d addr=%s regions=%d last=%s\n", st.StoreID, st.Address, len(st.Regions), st.Timestamp.Format(time.RFC3339))
	}
}
