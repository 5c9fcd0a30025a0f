package coa_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/netgrant/pkg/coa"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

func TestCoA(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RADIUS CoA Client Suite")
}

const testSecret = "s3cret"

// buildFixed returns the reference request: CoA-Request, identifier 7,
// User-Name "alice", Calling-Station-Id "AA-BB-CC-DD-EE-FF", authenticator
// pinned to 16 zero bytes so the output is fully deterministic.
func buildFixed() *coa.Packet {
	p := coa.NewPacket(coa.CodeCoARequest)
	p.Identifier = 7
	p.Authenticator = [16]byte{}
	p.AddString(coa.AttrUserName, "alice")
	p.AddString(coa.AttrCallingStationID, "AA-BB-CC-DD-EE-FF")
	return p
}

var _ = Describe("Packet encoding", func() {
	It("should produce identical bytes for identical inputs", func() {
		a, err := buildFixed().Encode([]byte(testSecret))
		Expect(err).NotTo(HaveOccurred())

		b, err := buildFixed().Encode([]byte(testSecret))
		Expect(err).NotTo(HaveOccurred())

		Expect(bytes.Equal(a, b)).To(BeTrue())
	})

	It("should lay out header, attributes and trailing Message-Authenticator", func() {
		data, err := buildFixed().Encode([]byte(testSecret))
		Expect(err).NotTo(HaveOccurred())

		// 20 header + (2+5) User-Name + (2+17) Calling-Station-Id + 18 Message-Authenticator
		Expect(data).To(HaveLen(20 + 7 + 19 + 18))
		Expect(data[0]).To(Equal(uint8(coa.CodeCoARequest)))
		Expect(data[1]).To(Equal(uint8(7)))
		Expect(binary.BigEndian.Uint16(data[2:4])).To(Equal(uint16(len(data))))

		Expect(data[20]).To(Equal(uint8(coa.AttrUserName)))
		Expect(data[21]).To(Equal(uint8(7)))
		Expect(string(data[22:27])).To(Equal("alice"))

		Expect(data[27]).To(Equal(uint8(coa.AttrCallingStationID)))
		Expect(string(data[29:46])).To(Equal("AA-BB-CC-DD-EE-FF"))

		Expect(data[46]).To(Equal(uint8(coa.AttrMessageAuthenticator)))
		Expect(data[47]).To(Equal(uint8(18)))
	})

	It("should embed a self-consistent Message-Authenticator", func() {
		data, err := buildFixed().Encode([]byte(testSecret))
		Expect(err).NotTo(HaveOccurred())

		// Rebuild the digest input: pinned (zero) authenticator in the
		// header, digest bytes zeroed. The last 16 bytes of the packet are
		// the digest value.
		scratch := make([]byte, len(data))
		copy(scratch, data)
		copy(scratch[4:20], make([]byte, 16))
		copy(scratch[len(scratch)-16:], make([]byte, 16))

		sum := md5.New()
		sum.Write(scratch)
		sum.Write([]byte(testSecret))

		Expect(data[len(data)-16:]).To(Equal(sum.Sum(nil)))
	})

	It("should embed a self-consistent Request Authenticator", func() {
		data, err := buildFixed().Encode([]byte(testSecret))
		Expect(err).NotTo(HaveOccurred())

		sum := md5.New()
		sum.Write(data[:4])
		sum.Write(make([]byte, 16))
		sum.Write(data[20:])
		sum.Write([]byte(testSecret))

		Expect(data[4:20]).To(Equal(sum.Sum(nil)))
	})

	It("should parse back with a conformant third-party decoder", func() {
		data, err := buildFixed().Encode([]byte(testSecret))
		Expect(err).NotTo(HaveOccurred())

		pkt, err := radius.Parse(data, []byte(testSecret))
		Expect(err).NotTo(HaveOccurred())
		Expect(pkt.Code).To(Equal(radius.Code(coa.CodeCoARequest)))
		Expect(pkt.Identifier).To(Equal(uint8(7)))
		Expect(rfc2865.UserName_GetString(pkt)).To(Equal("alice"))
		Expect(rfc2865.CallingStationID_GetString(pkt)).To(Equal("AA-BB-CC-DD-EE-FF"))
	})

	It("should reject oversized attribute values", func() {
		p := coa.NewPacket(coa.CodeCoARequest)
		p.Add(coa.AttrUserName, make([]byte, 254))

		_, err := p.Encode([]byte(testSecret))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Reply parsing", func() {
	It("should reject replies shorter than the header", func() {
		_, err := coa.ParseReply([]byte{coa.CodeCoAACK, 1, 0})
		Expect(err).To(HaveOccurred())
	})

	It("should decode code, identifier and attributes", func() {
		reply := makeReply(coa.CodeCoANAK, 9, [16]byte{}, testSecret)

		r, err := coa.ParseReply(reply)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Code).To(Equal(uint8(coa.CodeCoANAK)))
		Expect(r.Identifier).To(Equal(uint8(9)))
	})

	It("should verify the response authenticator", func() {
		var reqAuth [16]byte
		copy(reqAuth[:], bytes.Repeat([]byte{0xAB}, 16))
		reply := makeReply(coa.CodeCoAACK, 3, reqAuth, testSecret)

		Expect(coa.VerifyResponseAuthenticator(reply, reqAuth, []byte(testSecret))).To(BeTrue())
		Expect(coa.VerifyResponseAuthenticator(reply, [16]byte{}, []byte(testSecret))).To(BeFalse())
	})
})

var _ = Describe("Client", func() {
	var logger *zap.Logger

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	It("should require a secret", func() {
		_, err := coa.NewClient(coa.ClientConfig{NASIP: "127.0.0.1"}, logger)
		Expect(err).To(HaveOccurred())
	})

	It("should require a valid NAS IP", func() {
		_, err := coa.NewClient(coa.ClientConfig{NASIP: "not-an-ip", Secret: "x"}, logger)
		Expect(err).To(HaveOccurred())
	})

	Context("against a responding NAS", func() {
		var (
			conn *net.UDPConn
			port int
			done chan struct{}
		)

		// fake NAS: ACKs every CoA-Request, NAKs every Disconnect-Request.
		BeforeEach(func() {
			var err error
			conn, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			Expect(err).NotTo(HaveOccurred())
			port = conn.LocalAddr().(*net.UDPAddr).Port

			done = make(chan struct{})
			go func() {
				defer close(done)
				buf := make([]byte, 4096)
				for {
					n, addr, err := conn.ReadFromUDP(buf)
					if err != nil {
						return
					}
					if n < 20 {
						continue
					}
					code := uint8(coa.CodeCoAACK)
					if buf[0] == coa.CodeDisconnectRequest {
						code = coa.CodeDisconnectNAK
					}
					var reqAuth [16]byte
					copy(reqAuth[:], buf[4:20])
					_, _ = conn.WriteToUDP(makeReply(code, buf[1], reqAuth, testSecret), addr)
				}
			}()
		})

		AfterEach(func() {
			conn.Close()
			<-done
		})

		It("should receive CoA-ACK for a CoA-Request", func() {
			client, err := coa.NewClient(coa.ClientConfig{
				NASIP:   "127.0.0.1",
				Port:    port,
				Secret:  testSecret,
				Timeout: 2 * time.Second,
			}, logger)
			Expect(err).NotTo(HaveOccurred())

			code, err := client.SendCoA(context.Background(), "AA:BB:CC:DD:EE:FF", "alice", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(uint8(coa.CodeCoAACK)))
		})

		It("should receive Disconnect-NAK for a Disconnect-Request", func() {
			client, err := coa.NewClient(coa.ClientConfig{
				NASIP:   "127.0.0.1",
				Port:    port,
				Secret:  testSecret,
				Timeout: 2 * time.Second,
			}, logger)
			Expect(err).NotTo(HaveOccurred())

			code, err := client.SendDisconnect(context.Background(), "AA:BB:CC:DD:EE:FF", "alice", "sess-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(uint8(coa.CodeDisconnectNAK)))
		})
	})

	It("should time out against a silent NAS", func() {
		// Bind a socket that never answers.
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		client, err := coa.NewClient(coa.ClientConfig{
			NASIP:   "127.0.0.1",
			Port:    conn.LocalAddr().(*net.UDPAddr).Port,
			Secret:  testSecret,
			Timeout: 200 * time.Millisecond,
		}, logger)
		Expect(err).NotTo(HaveOccurred())

		start := time.Now()
		_, err = client.SendCoA(context.Background(), "AA:BB:CC:DD:EE:FF", "alice", "")
		Expect(err).To(HaveOccurred())
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})
})

var _ = Describe("Packet code constants", func() {
	DescribeTable("should match RFC 3576 values",
		func(constant uint8, expected uint8) {
			Expect(constant).To(Equal(expected))
		},
		Entry("Disconnect-Request", uint8(coa.CodeDisconnectRequest), uint8(40)),
		Entry("Disconnect-ACK", uint8(coa.CodeDisconnectACK), uint8(41)),
		Entry("Disconnect-NAK", uint8(coa.CodeDisconnectNAK), uint8(42)),
		Entry("CoA-Request", uint8(coa.CodeCoARequest), uint8(43)),
		Entry("CoA-ACK", uint8(coa.CodeCoAACK), uint8(44)),
		Entry("CoA-NAK", uint8(coa.CodeCoANAK), uint8(45)),
	)

	DescribeTable("attribute types should match RFC 2865/2869 values",
		func(constant uint8, expected uint8) {
			Expect(constant).To(Equal(expected))
		},
		Entry("User-Name", uint8(coa.AttrUserName), uint8(1)),
		Entry("NAS-IP-Address", uint8(coa.AttrNASIPAddress), uint8(4)),
		Entry("Calling-Station-Id", uint8(coa.AttrCallingStationID), uint8(31)),
		Entry("Acct-Session-Id", uint8(coa.AttrAcctSessionID), uint8(44)),
		Entry("Message-Authenticator", uint8(coa.AttrMessageAuthenticator), uint8(80)),
	)
})

// makeReply builds a signed CoA/DM response the way a NAS would.
func makeReply(code, identifier uint8, requestAuth [16]byte, secret string) []byte {
	reply := make([]byte, 20)
	reply[0] = code
	reply[1] = identifier
	binary.BigEndian.PutUint16(reply[2:4], 20)

	sum := md5.New()
	sum.Write(reply[:4])
	sum.Write(requestAuth[:])
	sum.Write([]byte(secret))
	copy(reply[4:20], sum.Sum(nil))

	return reply
}
