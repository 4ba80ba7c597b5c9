package phase

// Phase is a server-reported step of the manual-capture workflow. Values the
// server reports but this package does not list are still valid phases; they
// are displayed verbatim and carry no behaviour.
type Phase string

// Phases reported by the capture backend.
const (
	Created                   Phase = "created"
	AcquiringVM               Phase = "acquiringVm"
	VMAcquired                Phase = "vmAcquired"
	PoweringOnVM              Phase = "poweringOnVm"
	WaitingForTools           Phase = "waitingForTools"
	NeedsLoginWait            Phase = "needsLoginWait"
	NeedsLoginDone            Phase = "needsLoginDone"
	InstallingThinApp         Phase = "installingThinApp"
	Downloading               Phase = "downloading"
	InstallerDownloadFailed   Phase = "installerDownloadFailed"
	MountingFileSharesToGuest Phase = "mountingFileSharesToGuest"
	PreCaptureWait            Phase = "preCaptureWait"
	PreCaptureDone            Phase = "preCaptureDone"
	TakingPreCaptureSnapshot  Phase = "takingPreCaptureSnapshot"
	PreInstallationWait       Phase = "preInstallationWait"
	PreInstallationDone       Phase = "preInstallationDone"
	InstallationWait          Phase = "installationWait"
	InstallationDone          Phase = "installationDone"
	PostInstallationWait      Phase = "postInstallationWait"
	PostInstallationDone      Phase = "postInstallationDone"
	TakingPostCaptureSnapshot Phase = "takingPostCaptureSnapshot"
	GeneratingProject         Phase = "generatingProject"
	PreProjectBuildWait       Phase = "preProjectBuildWait"
	PreProjectBuildDone       Phase = "preProjectBuildDone"
	BuildingProject           Phase = "buildingProject"
	RefreshingProject         Phase = "refreshingProject"
	RefreshingProjectDone     Phase = "refreshingProjectDone"
	VMReleased                Phase = "vmReleased"
	Cancelling                Phase = "cancelling"
	Failure                   Phase = "failure"
	Success                   Phase = "success"
	Cancelled                 Phase = "cancelled"
	Finished                  Phase = "finished"
)

// Kind classifies how the client reacts when a phase is current.
type Kind int

const (
	// KindPassThrough phases are displayed and polling continues.
	KindPassThrough Kind = iota
	// KindUserGated phases wait for the user to press Next.
	KindUserGated
	// KindFinished ends the session successfully.
	KindFinished
	// KindCancelled ends the session as cancelled.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUserGated:
		return "user-gated"
	case KindFinished:
		return "finished"
	case KindCancelled:
		return "cancelled"
	default:
		return "pass-through"
	}
}

// NoProgress marks a table entry that does not move the progress bar.
const NoProgress = -1

// Entry is the transition table row for a phase.
type Entry struct {
	Message  string
	Progress int
	HideIcon bool
	Kind     Kind
}

// HasMessage reports whether the entry carries a canned message.
func (e Entry) HasMessage() bool {
	return e.Message != ""
}

var table = map[Phase]Entry{
	AcquiringVM:               {Message: "Waiting for VM to become available...", Progress: NoProgress},
	VMAcquired:                {Message: "VM acquired.", Progress: NoProgress, HideIcon: true},
	PoweringOnVM:              {Message: "Powering on the VM...", Progress: NoProgress},
	WaitingForTools:           {Message: "Waiting for tools...", Progress: NoProgress},
	InstallingThinApp:         {Message: "Installing ThinApp...", Progress: 15},
	MountingFileSharesToGuest: {Message: "Mounting fileshares...", Progress: 18},
	PreCaptureWait:            {Message: "You can now customize the VM, then please click 'Next' to continue.", Progress: 20, HideIcon: true, Kind: KindUserGated},
	PreCaptureDone:            {Message: "VM customization completed.", Progress: NoProgress, HideIcon: true},
	TakingPreCaptureSnapshot:  {Message: "Taking a pre-capture snapshot...", Progress: 50},
	PreInstallationWait:       {Progress: NoProgress},
	PreInstallationDone:       {Progress: NoProgress},
	InstallationWait:          {Message: "Run the application installer and click 'Next' when finished.", Progress: 60, HideIcon: true, Kind: KindUserGated},
	InstallationDone:          {Message: "The application installation is done.", Progress: 80, HideIcon: true},
	PostInstallationWait:      {Progress: NoProgress},
	PostInstallationDone:      {Progress: NoProgress},
	TakingPostCaptureSnapshot: {Message: "Taking post-capture snapshot...", Progress: NoProgress},
	GeneratingProject:         {Message: "Starting a project build...", Progress: NoProgress},
	PreProjectBuildWait:       {Progress: NoProgress},
	PreProjectBuildDone:       {Progress: NoProgress},
	BuildingProject:           {Message: "Building the project...", Progress: NoProgress},
	RefreshingProject:         {Message: "Refreshing project...", Progress: NoProgress},
	RefreshingProjectDone:     {Message: "Creating a new build in ThinApp Factory...", Progress: 90},
	Cancelling:                {Message: "The build is being cancelled.", Progress: NoProgress, HideIcon: true, Kind: KindCancelled},
	Cancelled:                 {Message: "The build is being cancelled.", Progress: NoProgress, HideIcon: true, Kind: KindCancelled},
	NeedsLoginWait:            {Message: "Please login to the VM and then click 'Next'.", Progress: NoProgress, HideIcon: true, Kind: KindUserGated},
	NeedsLoginDone:            {Message: "Logged on to the VM.", Progress: 15, HideIcon: true},
	Finished:                  {Message: "Finished.", Progress: 100, HideIcon: true, Kind: KindFinished},
}

// Lookup returns the table entry for p. Unknown phases yield a pass-through
// entry without a message.
func Lookup(p Phase) (Entry, bool) {
	entry, ok := table[p]
	if !ok {
		return Entry{Progress: NoProgress}, false
	}
	return entry, true
}

// Known reports whether p has a row in the transition table.
func (p Phase) Known() bool {
	_, ok := table[p]
	return ok
}

// Kind returns the behaviour class of p.
func (p Phase) Kind() Kind {
	entry, _ := Lookup(p)
	return entry.Kind
}

// UserGated reports whether p waits for the user.
func (p Phase) UserGated() bool {
	return p.Kind() == KindUserGated
}

// Terminal reports whether p ends the session.
func (p Phase) Terminal() bool {
	switch p.Kind() {
	case KindFinished, KindCancelled:
		return true
	}
	return false
}

func (p Phase) String() string {
	return string(p)
}

// Contains reports whether want appears in phases.
func Contains(phases []Phase, want Phase) bool {
	for _, p := range phases {
		if p == want {
			return true
		}
	}
	return false
}
