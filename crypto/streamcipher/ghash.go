// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package streamcipher

import "encoding/binary"

const blockSize = 16

// fieldElement is an element of GF(2^128) in GCM's bit-reflected
// representation: the coefficient of x^0 is the most significant bit
// of low.
type fieldElement struct {
	low, high uint64
}

// reductionTable is used to reduce a product by the GCM polynomial
// when shifting the accumulator four bits at a time.
var reductionTable = []uint16{
	0x0000, 0x1c20, 0x3840, 0x2460, 0x7080, 0x6ca0, 0x48c0, 0x54e0,
	0xe100, 0xfd20, 0xd940, 0xc560, 0x9180, 0x8da0, 0xa9c0, 0xb5e0,
}

// ghash is an incremental GHASH over ciphertext written in arbitrary
// pieces. Input that does not fill a block is buffered until the next
// Write or until sum pads it with zeros.
type ghash struct {
	// table[reverseBits(i)] holds i*H.
	table [16]fieldElement
	y     fieldElement
	buf   [blockSize]byte
	nbuf  int
}

func newGHASH(h *[blockSize]byte) *ghash {
	g := new(ghash)
	x := fieldElement{
		low:  binary.BigEndian.Uint64(h[:8]),
		high: binary.BigEndian.Uint64(h[8:]),
	}
	g.table[reverseBits(1)] = x
	for i := 2; i < 16; i += 2 {
		g.table[reverseBits(i)] = double(&g.table[reverseBits(i/2)])
		g.table[reverseBits(i+1)] = add(&g.table[reverseBits(i)], &x)
	}
	return g
}

// Write absorbs p.
func (g *ghash) Write(p []byte) {
	if g.nbuf > 0 {
		n := copy(g.buf[g.nbuf:], p)
		g.nbuf += n
		p = p[n:]
		if g.nbuf < blockSize {
			return
		}
		g.block(g.buf[:])
		g.nbuf = 0
	}
	for len(p) >= blockSize {
		g.block(p[:blockSize])
		p = p[blockSize:]
	}
	if len(p) > 0 {
		g.nbuf = copy(g.buf[:], p)
	}
}

// sum pads any buffered input, absorbs the length block for no
// additional data and ctLen bytes of ciphertext, and writes the
// GHASH value to out. The ghash must not be used afterwards.
func (g *ghash) sum(ctLen uint64, out *[blockSize]byte) {
	if g.nbuf > 0 {
		for i := g.nbuf; i < blockSize; i++ {
			g.buf[i] = 0
		}
		g.block(g.buf[:])
		g.nbuf = 0
	}
	// The additional data length (zero) goes in y.low.
	g.y.high ^= ctLen * 8
	g.mul(&g.y)
	binary.BigEndian.PutUint64(out[:8], g.y.low)
	binary.BigEndian.PutUint64(out[8:], g.y.high)
}

func (g *ghash) block(b []byte) {
	g.y.low ^= binary.BigEndian.Uint64(b)
	g.y.high ^= binary.BigEndian.Uint64(b[8:])
	g.mul(&g.y)
}

// mul sets y to y*H.
func (g *ghash) mul(y *fieldElement) {
	var z fieldElement
	for i := 0; i < 2; i++ {
		word := y.high
		if i == 1 {
			word = y.low
		}
		// Multiply by one nibble of y at a time, most significant
		// nibble of the polynomial first.
		for j := 0; j < 64; j += 4 {
			msw := z.high & 0xf
			z.high >>= 4
			z.high |= z.low << 60
			z.low >>= 4
			z.low ^= uint64(reductionTable[msw]) << 48

			t := &g.table[word&0xf]
			z.low ^= t.low
			z.high ^= t.high
			word >>= 4
		}
	}
	*y = z
}

func reverseBits(i int) int {
	i = ((i << 2) & 0xc) | ((i >> 2) & 0x3)
	i = ((i << 1) & 0xa) | ((i >> 1) & 0x5)
	return i
}

func add(x, y *fieldElement) fieldElement {
	return fieldElement{x.low ^ y.low, x.high ^ y.high}
}

// double returns x*2 (that is, x times the polynomial x).
func double(x *fieldElement) fieldElement {
	msbSet := x.high&1 == 1
	d := fieldElement{
		high: x.high>>1 | x.low<<63,
		low:  x.low >> 1,
	}
	if msbSet {
		d.low ^= 0xe100000000000000
	}
	return d
}
