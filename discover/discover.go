package discover

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	mdnsPollInterval  = 60 * time.Second
	mdnsQuietInterval = 100 * time.Millisecond
)

// Joiner is the part of the cluster surface discovery needs: the ability
// to join a set of addresses.
type Joiner interface {
	Join(existing []string, ignoreOld bool) (int, error)
}

// MDNS advertises the local node using mDNS and periodically queries for
// peers in the same discovery group, joining any it has not seen before.
type MDNS struct {
	joiner     Joiner
	discover   string
	logger     *log.Logger
	seen       map[string]struct{}
	server     *mdns.Server
	replay     bool
	shutdownCh <-chan struct{}
}

// Config is used to configure mDNS discovery.
type Config struct {
	// Joiner is the cluster instance to feed discovered peers into.
	Joiner Joiner

	// NodeName is the instance name to advertise.
	NodeName string

	// Discover is the discovery group; only peers advertising the same
	// group are joined.
	Discover string

	// Bind is the address to advertise, with Port the gossip port.
	Bind net.IP
	Port int

	// Replay controls whether joins replay old user events.
	Replay bool

	Logger     *log.Logger
	ShutdownCh <-chan struct{}
}

// NewMDNS creates a new mDNS discovery instance and starts the
// background polling.
func NewMDNS(conf *Config) (*MDNS, error) {
	// Create the service
	service, err := mdns.NewMDNSService(
		conf.NodeName,
		mdnsName(conf.Discover),
		"",
		"",
		conf.Port,
		[]net.IP{conf.Bind},
		[]string{fmt.Sprintf("muster '%s' cluster", conf.Discover)})
	if err != nil {
		return nil, err
	}

	// Create the server
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, err
	}

	m := &MDNS{
		joiner:     conf.Joiner,
		discover:   conf.Discover,
		logger:     conf.Logger,
		seen:       make(map[string]struct{}),
		server:     server,
		replay:     conf.Replay,
		shutdownCh: conf.ShutdownCh,
	}

	// Start the background workers
	go m.run()
	return m, nil
}

// run is a long running goroutine that scans for new hosts periodically
func (m *MDNS) run() {
	hosts := make(chan *mdns.ServiceEntry, 32)
	poll := time.After(0)
	var quiet <-chan time.Time
	var join []string

	for {
		select {
		case h := <-hosts:
			// Format the host address
			addr := net.TCPAddr{IP: h.Addr, Port: h.Port}
			addrS := addr.String()

			// Skip if we've handled this host already
			if _, ok := m.seen[addrS]; ok {
				continue
			}

			// Queue for handling
			join = append(join, addrS)
			quiet = time.After(mdnsQuietInterval)

		case <-quiet:
			// Attempt the join
			n, err := m.joiner.Join(join, !m.replay)
			if err != nil {
				m.logger.Printf("[ERR] discover: Failed to join: %v", err)
			}
			if n > 0 {
				m.logger.Printf("[INFO] discover: Joined %d hosts", n)
			}

			// Mark all as seen
			for _, n := range join {
				m.seen[n] = struct{}{}
			}
			join = nil

		case <-poll:
			poll = time.After(mdnsPollInterval)
			go m.poll(hosts)

		case <-m.shutdownCh:
			m.server.Shutdown()
			return
		}
	}
}

// poll is invoked periodically to check for new hosts
func (m *MDNS) poll(hosts chan *mdns.ServiceEntry) {
	params := mdns.QueryParam{
		Service: mdnsName(m.discover),
		Entries: hosts,
	}
	if err := mdns.Query(&params); err != nil {
		m.logger.Printf("[ERR] discover: Failed to poll for new hosts: %v", err)
	}
}

// mdnsName returns the service name to register and to lookup
func mdnsName(discover string) string {
	return fmt.Sprintf("_muster_%s._tcp", discover)
}
