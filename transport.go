// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ripc

import (
	"sync"

	"go.uber.org/zap"
)

// InitOptions configure a Transport.
type InitOptions struct {
	GlobalLocking  bool        // guard client shared pools with a lock, required if client channels run on several goroutines
	SharedPoolSize int         // most free buffers kept per client size class, 0 for no limit
	Logger         *zap.Logger // defaults to a no-op logger
}

// Transport owns the state shared between channels: the client shared
// buffer pools, one per negotiated buffer size, and the pool of buffers for
// fragmented messages. Init must be called before Connect or Bind, and each
// Init must be matched by a Shutdown.
type Transport struct {
	mu            sync.Mutex
	refs          int
	globalLocking bool
	poolLock      sync.Locker
	maxFree       int
	logger        *zap.Logger
	pools         map[int]*sharedPool
	big           bigBufferPool
}

// NewTransport returns an uninitialized Transport.
func NewTransport() *Transport {
	return &Transport{logger: zap.NewNop()}
}

// Init initializes the Transport. Calling Init on an initialized Transport
// only counts the reference, and the locking mode must then match.
func (t *Transport) Init(opts InitOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs > 0 {
		if opts.GlobalLocking != t.globalLocking {
			return newError(InvalidArgument, "transport already initialized with GlobalLocking=%v", t.globalLocking)
		}
		t.refs++
		return nil
	}
	t.globalLocking = opts.GlobalLocking
	t.poolLock = noLock{}
	if opts.GlobalLocking {
		t.poolLock = &sync.Mutex{}
	}
	t.maxFree = opts.SharedPoolSize
	t.logger = loggerOrNop(opts.Logger)
	t.pools = make(map[int]*sharedPool)
	t.big = newBigBufferPool(16)
	t.refs = 1
	t.logger.Debug("transport initialized", zap.Bool("globalLocking", opts.GlobalLocking))
	return nil
}

// Shutdown releases the Transport's pools once every Init has been matched.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs < 1 {
		return newError(Failure, "transport not initialized")
	}
	t.refs--
	if t.refs == 0 {
		t.pools = nil
		t.big = nil
		t.logger.Debug("transport shut down")
	}
	return nil
}

// IsInitialized returns true between Init and the final Shutdown.
func (t *Transport) IsInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs > 0
}

func (t *Transport) checkInitialized() error {
	if !t.IsInitialized() {
		return newError(Failure, "transport not initialized")
	}
	return nil
}

// sharedPoolFor returns the client shared pool for buffers of bufSize bytes.
func (t *Transport) sharedPoolFor(bufSize int) *sharedPool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp := t.pools[bufSize]
	if sp == nil {
		sp = newSharedPool(bufSize, t.maxFree, t.poolLock)
		if t.pools != nil {
			t.pools[bufSize] = sp
		}
	}
	return sp
}

// newServerPool returns a shared pool private to a Server. It is always
// locked since Serve and ServeHTTP run each channel on its own goroutine.
func (t *Transport) newServerPool(bufSize, maxFree int) *sharedPool {
	return newSharedPool(bufSize, maxFree, &sync.Mutex{})
}

// NewChannel creates a client channel running over sock. The address and
// dial timeout in opts are ignored.
func (t *Transport) NewChannel(sock Socket, opts ConnectOptions) (*Channel, error) {
	if err := t.checkInitialized(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = t.logger
	}
	return newChannel(t, nil, sock, opts.ChannelOptions, DefaultMaxFragmentSize), nil
}

// Connect dials the address in opts and returns a client channel. A blocking
// channel has completed its handshake on return, a non-blocking one needs
// Init to be called until it returns nil.
func (t *Transport) Connect(opts ConnectOptions) (*Channel, error) {
	if err := t.checkInitialized(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	sock, err := dial(opts)
	if err != nil {
		return nil, err
	}
	ch, err := t.NewChannel(sock, opts)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if opts.Blocking {
		if err = ch.Init(); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// Bind creates a Server. If opts.Address is not empty the Server
// listens on it.
func (t *Transport) Bind(opts BindOptions) (*Server, error) {
	if err := t.checkInitialized(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = t.logger
	}
	srv := newServer(t, opts)
	if opts.Address != "" {
		if _, err := srv.Listen(opts.Address); err != nil {
			return nil, err
		}
	}
	return srv, nil
}
