package testutil

import (
	"container/list"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

var (
	bindLock     sync.Mutex
	freeIPs      *list.List
	condNotEmpty *sync.Cond
)

const bindLockPort = 10101

func init() {
	freeIPs = list.New()
	condNotEmpty = sync.NewCond(&bindLock)
	for octet := byte(10); octet < 255; octet++ {
		freeIPs.PushBack(net.IPv4(127, 0, 0, octet))
	}
}

func returnIP(ip net.IP) {
	bindLock.Lock()
	defer bindLock.Unlock()
	freeIPs.PushBack(ip)
	condNotEmpty.Broadcast()
}

func getBindAddr() net.IP {
	bindLock.Lock()
	defer bindLock.Unlock()

	for freeIPs.Len() == 0 {
		condNotEmpty.Wait()
	}

	elem := freeIPs.Front()
	freeIPs.Remove(elem)
	return elem.Value.(net.IP)
}

// TakeIP leases a loopback IP for the duration of a test. Binding a
// sentinel port proves no concurrent test process holds the same IP.
func TakeIP() (ip net.IP, returnFn func()) {
	for attempts := 0; ; attempts++ {
		ip = getBindAddr()

		addr := &net.TCPAddr{IP: ip, Port: bindLockPort}

		ln, err := net.ListenTCP("tcp4", addr)
		if err != nil {
			returnIP(ip)
			continue
		}

		if attempts > 3 {
			logf("took %s after %d attempts", ip, attempts)
		}
		return ip, func() {
			ln.Close()
			time.Sleep(50 * time.Millisecond) // let the kernel cool down
			returnIP(ip)
		}
	}
}

func logf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stdout, "testutil: "+format+"\n", a...)
}
