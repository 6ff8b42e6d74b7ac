/*
Package packed implements the packed integer/byte stream format that the
fsxpack containers are written in.

A Root holds any number of integer streams and byte streams. Integer
streams may be nested: a stream's substreams are filled and drained
independently, which lets a container split a record into one
column per field so that similar values end up next to each other.
Streams created with diff=true store the delta to the previous value
(good for monotonic sequences such as offsets); streams created with
signed=true zig-zag encode their values.

The format carries stream structure (counts and flags) but no schema:
a reader must visit streams in the order the writer created them.

A Root is written as one unit, optionally compressed:

	root := packed.NewRoot()
	sizes := root.AddIntStream(false, false)
	names := root.AddByteStream()
	sizes.Add(3)
	names.Add([]byte("foo"))
	err := packed.Write(w, root, nil)

	root, err = packed.Read(r)
	sizes = root.NextIntStream()
	names = root.NextByteStream()
*/
package packed
