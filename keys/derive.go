// Package keys implements the wallet's BLS12-381 derivation chain:
// unhardened child derivation from an intermediate public key, the
// synthetic-key offset used by standard p2 puzzles, and the puzzle
// hash those synthetic keys resolve to.
//
// The underlying curve arithmetic is delegated entirely to
// github.com/herumi/bls-eth-go-binary/bls (point addition, scalar
// reduction); this package only composes those primitives the way the
// protocol's key-derivation scheme requires, matching the teacher's
// own SHA-256-composition idiom in core/wallet.go's pubKeyToAddress.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Sprintf("keys: bls.Init: %v", err))
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(fmt.Sprintf("keys: bls.SetETHmode: %v", err))
	}
}

// DefaultHiddenPuzzleHash is the tree hash of the protocol's standard
// "always fail" hidden puzzle, used to compute the synthetic offset
// for p2_delegated_puzzle_or_hidden_puzzle style puzzles.
var DefaultHiddenPuzzleHash = [32]byte{
	0x71, 0x1d, 0x6c, 0x4e, 0x32, 0xc9, 0x2e, 0x53,
	0x17, 0x9b, 0x19, 0x94, 0x84, 0xcf, 0x8c, 0x89,
	0x75, 0x42, 0xbc, 0x57, 0xf2, 0xb2, 0x25, 0x82,
	0x79, 0x9f, 0x9d, 0x65, 0x7e, 0xec, 0x4b, 0x6,
}

// standardPuzzleModHash namespaces the SHA-256 puzzle-hash composition
// so it doesn't collide with other hash domains in this package; the
// real mod-hash of the standard p2 puzzle's CLVM tree is an external
// collaborator (the message-schema/tree-hash library) per spec scope,
// this stands in for it using the teacher's pattern of hashing key
// material directly.
var standardPuzzleModHash = sha256.Sum256([]byte("p2_delegated_puzzle_or_hidden_puzzle"))

// deriveOffset hashes data into a scalar reduced modulo the BLS12-381
// group order, matching the "hash then reduce" shape used both for
// unhardened child derivation and the synthetic-key offset.
func deriveOffset(data []byte) *bls.SecretKey {
	digest := sha256.Sum256(data)
	offset := new(bls.SecretKey)
	offset.SetLittleEndianMod(digest[:])
	return offset
}

// DeriveUnhardened computes the unhardened child public key at index
// from intermediatePK: pk' = pk + H(pk || index)·G, where the offset
// scalar depends only on the parent public key, allowing derivation
// without access to any private key material.
func DeriveUnhardened(intermediatePK *bls.PublicKey, index uint32) *bls.PublicKey {
	var indexBuf [4]byte
	binary.BigEndian.PutUint32(indexBuf[:], index)

	serialized := intermediatePK.Serialize()
	data := make([]byte, 0, len(serialized)+4)
	data = append(data, serialized...)
	data = append(data, indexBuf[:]...)

	offset := deriveOffset(data)
	child := *intermediatePK
	child.Add(offset.GetPublicKey())
	return &child
}

// ToSynthetic adds the standard hidden-puzzle offset to pk, producing
// the synthetic key that the p2 puzzle actually locks coins to.
func ToSynthetic(pk *bls.PublicKey) *bls.PublicKey {
	serialized := pk.Serialize()
	data := make([]byte, 0, len(serialized)+32)
	data = append(data, serialized...)
	data = append(data, DefaultHiddenPuzzleHash[:]...)

	offset := deriveOffset(data)
	synthetic := *pk
	synthetic.Add(offset.GetPublicKey())
	return &synthetic
}

// StandardPuzzleHash returns the wallet's puzzle hash for synthetic
// public key pk: SHA-256 of standardPuzzleModHash followed by pk's
// serialization. It is not the CLVM tree hash of a curried standard
// p2 puzzle.
func StandardPuzzleHash(pk *bls.PublicKey) [32]byte {
	serialized := pk.Serialize()
	data := make([]byte, 0, 32+len(serialized))
	data = append(data, standardPuzzleModHash[:]...)
	data = append(data, serialized...)
	return sha256.Sum256(data)
}

// Derivation is one row of the derivation chain: the index, its
// synthetic key, the puzzle hash it resolves to, and whether it was
// derived along the hardened or unhardened path.
type Derivation struct {
	Index        uint32
	SyntheticKey *bls.PublicKey
	PuzzleHash   [32]byte
	Hardened     bool
}

// DeriveBatch computes count consecutive unhardened derivations
// starting at start, fanning the CPU-bound BLS work out across a
// bounded worker pool so it doesn't starve the caller's cooperative
// scheduler (spec section 9's "offload to a compute pool and await the
// join"). The result is ordered by index regardless of completion
// order.
func DeriveBatch(ctx context.Context, intermediatePK *bls.PublicKey, start, count uint32) ([]Derivation, error) {
	results := make([]Derivation, count)

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if uint32(workers) > count {
		workers = int(count)
	}
	if workers == 0 {
		return results, nil
	}

	indices := make(chan uint32)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				select {
				case <-ctx.Done():
					select {
					case errCh <- ctx.Err():
					default:
					}
					return
				default:
				}

				synthetic := ToSynthetic(DeriveUnhardened(intermediatePK, i))
				results[i-start] = Derivation{
					Index:        i,
					SyntheticKey: synthetic,
					PuzzleHash:   StandardPuzzleHash(synthetic),
					Hardened:     false,
				}
			}
		}()
	}

	go func() {
		defer close(indices)
		for i := start; i < start+count; i++ {
			select {
			case indices <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
