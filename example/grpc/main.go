package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "gRPC address of the anomaly service")
	watchFor := flag.Duration("watch", 10*time.Second, "how long to follow status changes")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("Failed to close connection: %v", err)
		}
	}()

	client := healthpb.NewHealthClient(conn)

	fmt.Println("=== Check: overall ===")
	checkService(client, "")

	fmt.Println("\n=== Check: anomaly.ingest ===")
	checkService(client, "anomaly.ingest")

	fmt.Println("\n=== Check: unknown service ===")
	checkService(client, "anomaly.unknown")

	fmt.Printf("\n=== Watch: anomaly.ingest for %s ===\n", *watchFor)
	watchService(client, "anomaly.ingest", *watchFor)
}

func checkService(client healthpb.HealthClient, svc string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			fmt.Printf("Service %q is not registered\n", svc)
			return
		}
		log.Printf("Check failed: %v", err)
		return
	}
	fmt.Printf("Status: %s\n", resp.GetStatus())
}

func watchService(client healthpb.HealthClient, svc string, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: svc})
	if err != nil {
		log.Printf("Watch failed: %v", err)
		return
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.DeadlineExceeded {
				return
			}
			log.Printf("Watch stream error: %v", err)
			return
		}
		fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), resp.GetStatus())
	}
}
