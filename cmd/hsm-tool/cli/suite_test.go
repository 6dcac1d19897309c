package cli

import (
	"bytes"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/stretchr/testify/suite"
)

type testSuite struct {
	suite.Suite

	ctl    *Cli
	tmpdir string
	// Out is the output buffer
	Out bytes.Buffer
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.tmpdir = s.T().TempDir()

	s.ctl = &Cli{}

	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("hsm-tool"),
		kong.Description("CLI tool for HSM or KMS"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--cfg=inmem"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

func (s *testSuite) TearDownTest() {
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

func (s *testSuite) withProvider(p cryptoprov.Provider) {
	c, err := cryptoprov.New(p, nil)
	s.Require().NoError(err)
	s.ctl.crypto = c
	s.ctl.defaultCryptoProv = c.Default()
}
