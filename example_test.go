package bytering_test

import (
	"fmt"

	"github.com/FerroO2000/bytering"
)

func ExampleRing() {
	ring, err := bytering.NewRing(8, bytering.KindOptimized)
	if err != nil {
		panic(err)
	}

	wasEmpty, n := ring.Write([]byte("hello ring"))
	fmt.Println(wasEmpty, n, ring.Occupied())

	buf := make([]byte, 5)
	wasFull, n := ring.Read(buf)
	fmt.Println(wasFull, string(buf[:n]), ring.Free())

	// Output:
	// true 8 8
	// true hello 5
}

func ExampleRegion() {
	ring, err := bytering.NewRing(8, bytering.KindSequential)
	if err != nil {
		panic(err)
	}

	ring.Write([]byte("abcdef"))
	ring.Read(make([]byte, 6))

	// Only 2 bytes are contiguous before the end of the storage
	space, _ := ring.SpaceRegion()
	n := copy(space.Bytes(), "wxyz")
	space.Commit(n)

	space, _ = ring.SpaceRegion()
	n = copy(space.Bytes(), "yz")
	space.Commit(n)

	segs := bytering.NewSegments()
	ring.FillReadSegments(segs)
	for _, seg := range segs.Slices() {
		fmt.Println(string(seg))
	}

	// Output:
	// wx
	// yz
}
