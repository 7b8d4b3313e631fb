package imapprober

// folderAliasSets maps a logical folder name to every lowercase alias a server might
// use for it.
var folderAliasSets = map[string][]string{
	"inbox":   {"inbox"},
	"sent":    {"sent", "sent items", "sent mail", "sentmail", "[gmail]/sent mail"},
	"drafts":  {"drafts", "draft", "[gmail]/drafts"},
	"trash":   {"trash", "deleted items", "deleted messages", "bin", "[gmail]/trash"},
	"spam":    {"spam", "junk", "junk e-mail", "bulk mail", "[gmail]/spam"},
	"archive": {"archive", "all mail", "[gmail]/all mail"},
}

// canonicalFolderName is the name used when CREATEing a missing system folder.
var canonicalFolderName = map[string]string{
	"inbox":   "INBOX",
	"sent":    "Sent",
	"drafts":  "Drafts",
	"trash":   "Trash",
	"spam":    "Spam",
	"archive": "Archive",
}
