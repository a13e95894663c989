package journal

import (
	"time"

	"github.com/alitto/pond"

	"github.com/blinklayer/blinkstore/logger"
)

// Copier lazily projects journaled page images back to their home
// volume positions, so journal files behind the checkpoint can be
// reclaimed. Grounded on the teacher's buffer-pool flush-list worker
// pattern (server/innodb/buffer_pool/buffer_pool.go), generalized
// from "flush dirty frames" to "copy page-map entries home", and
// implemented with the worker pool the teacher's peers use for
// bounded concurrent background work (github.com/alitto/pond, per
// SPEC_FULL.md's DOMAIN STACK).
type Copier struct {
	writer *Writer
	source PageSource
	pool   *pond.WorkerPool

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func newCopier(w *Writer, source PageSource) *Copier {
	c := &Copier{
		writer:   w,
		source:   source,
		pool:     pond.New(4, 256),
		interval: 2 * time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Copier) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.runOnce(c.writer.checkpointTS)
		}
	}
}

// runOnce projects every page-map entry at or before horizon to its
// home volume, retiring it from the map on success.
func (c *Copier) runOnce(horizon uint64) {
	if c.source == nil {
		return
	}
	keys := c.writer.PageMap.OldestBefore(horizon)
	for _, key := range keys {
		key := key
		c.pool.Submit(func() {
			c.projectOne(key, horizon)
		})
	}
}

func (c *Copier) projectOne(key PageKey, horizon uint64) {
	addr, ok := c.writer.PageMap.Head(key)
	if !ok {
		return
	}
	vol, ok := c.source(key.VolumeID)
	if !ok {
		logger.With(nil).Warnf("copier: volume %d not open, deferring page %d", key.VolumeID, key.PageAddr)
		return
	}
	img, err := c.readImage(addr)
	if err != nil {
		logger.With(nil).Errorf("copier: read journal image at gen %d off %d: %v", addr.Generation(), addr.Offset(), err)
		return
	}
	if err := vol.WritePage(key.PageAddr, img.Data); err != nil {
		logger.With(nil).Errorf("copier: project page %d/%d: %v", key.VolumeID, key.PageAddr, err)
		return
	}
	c.writer.PageMap.Retire(key, horizon)
}

// readImage reads the PA record at addr straight from the writer's
// journal files via readPageImage; there is no way to substitute
// another reader.
func (c *Copier) readImage(addr Address) (PageImage, error) {
	return readPageImage(c.writer, addr)
}

// Drain forces one synchronous copier pass and waits for in-flight
// submissions to finish, for tests. The CLI backup verbs do not call
// it.
func (c *Copier) Drain(horizon uint64) {
	c.runOnce(horizon)
	c.pool.StopAndWait()
	c.pool = pond.New(4, 256)
}

// Stop halts the background loop and worker pool.
func (c *Copier) Stop() {
	close(c.stop)
	<-c.done
	c.pool.StopAndWait()
}
