package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/Shylock-Hg/tikv/internal/pd"
	pdgrpc "github.com/Shylock-Hg/tikv/internal/pd/grpc"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:2379", "gRPC listen address")
	dataPath := flag.String("data", "pd.db", "placement state file")
	flag.Parse()

	service, err := pd.NewService(*dataPath)
	if err != nil {
		log.Fatalf("open placement service: %v", err)
	}

	grpcServer := grpc.NewServer()
	pdgrpc.Register(grpcServer, service)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("placement service listening on %s", *addr)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	grpcServer.GracefulStop()
	if err := service.Close(); err != nil {
		log.Printf("close placement service: %v", err)
	}
}
